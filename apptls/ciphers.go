/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package apptls

import (
	"crypto/tls"
	"strings"
)

// ParseCipherSuites turns the tls.ciphers configuration string into the
// cipher suite list GenTerminationTLSConfig expects. "ALL" (the
// intentionally insecure default, matching the proxy's role as a traffic
// inspector rather than a hardened TLS endpoint) selects every suite
// crypto/tls implements, including those listed by tls.InsecureCipherSuites;
// an empty string returns nil, which leaves crypto/tls to its own default
// list; anything else is parsed as a comma-separated list of suite names
// as returned by tls.CipherSuiteName, unknown names are skipped.
func ParseCipherSuites(spec string) []uint16 {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(spec), "ALL") {
		var all []uint16
		for _, suite := range append(tls.CipherSuites(), tls.InsecureCipherSuites()...) {
			all = append(all, suite.ID)
		}
		return all
	}

	known := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		known[suite.Name] = suite.ID
	}

	var out []uint16
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if id, ok := known[name]; ok {
			out = append(out, id)
		}
	}
	return out
}
