// Copyright 2020-2022 Matt Layher and Michael Stapelberg
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"strconv"

	"github.com/mdlayher/metricslite"
)

// metrics contains metrics for a narnia process.
type metrics struct {
	processInfo  metricslite.Gauge
	hardened     metricslite.Gauge
	requests     metricslite.Counter
	badRequests  metricslite.Counter
	listings     metricslite.Counter
	overlayExits metricslite.Counter
}

func newMetrics(m metricslite.Interface) *metrics {
	return &metrics{
		processInfo: m.Gauge(
			"narnia_process_info",
			"Information about how this process takes part in serving.",
			"role", "bind", "chroot", "user",
		),

		hardened: m.Gauge(
			"narnia_hardened",
			"Whether this process completed its hardening plan.",
		),

		requests: m.Counter(
			"narnia_http_requests_total",
			"The total number of HTTP requests served, by status code.",
			"code",
		),

		badRequests: m.Counter(
			"narnia_http_bad_request_paths_total",
			"The total number of HTTP requests rejected for a malformed path.",
		),

		listings: m.Counter(
			"narnia_http_directory_listings_total",
			"The total number of directory listings rendered.",
		),

		overlayExits: m.Counter(
			"narnia_tor_exits_total",
			"The total number of times the tor process exited.",
		),
	}
}

// request records a served request with status code.
func (m *metrics) request(code int) {
	m.requests(1.0, strconv.Itoa(code))
}
