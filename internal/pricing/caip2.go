package pricing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// NamespaceEVM is the CAIP-2 namespace this codec round-trips. Identifiers
// in other namespaces are passed through opaquely, never converted.
const NamespaceEVM = "eip155"

// NetworkID returns the chain-namespaced identifier for an EVM chain id,
// e.g. 8453 -> "eip155:8453".
func NetworkID(chainID int64) string {
	return fmt.Sprintf("%s:%d", NamespaceEVM, chainID)
}

// ChainID parses a CAIP-2 network identifier back to a numeric chain id.
// Identifiers outside the eip155 namespace are rejected with an error; the
// caller decides whether to pass them through.
func ChainID(network string) (int64, error) {
	ns, ref, ok := strings.Cut(network, ":")
	if !ok {
		return 0, eris.Errorf("pricing: malformed network identifier %q", network)
	}
	if ns != NamespaceEVM {
		return 0, eris.Errorf("pricing: unsupported network namespace %q", ns)
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "pricing: parse chain id %q", ref)
	}
	return id, nil
}

// IsKnownNamespace reports whether the identifier's namespace is one the
// codec can convert.
func IsKnownNamespace(network string) bool {
	ns, _, ok := strings.Cut(network, ":")
	return ok && ns == NamespaceEVM
}
