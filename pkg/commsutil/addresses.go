package commsutil

import "strings"

// QualifyAddress prefixes address with namespace, joined by a dot. An empty namespace leaves
// the address unchanged, so deployments sharing one COMMS cluster can isolate their endpoints.
func QualifyAddress(namespace, address string) string {
	namespace = strings.Trim(namespace, ". ")
	if namespace == "" {
		return address
	}
	return namespace + "." + address
}

// UnqualifyAddress strips namespace from a qualified address. Addresses outside the namespace
// are returned unchanged.
func UnqualifyAddress(namespace, address string) string {
	namespace = strings.Trim(namespace, ". ")
	if namespace == "" {
		return address
	}
	return strings.TrimPrefix(address, namespace+".")
}
