package secgw

import (
	"fmt"
	"net/http"
	"strings"
)

// Method is one of the HTTP methods the gateway forwards. The set is
// closed; anything else is rejected before reaching the upstream.
type Method uint8

const (
	MethodGet Method = iota + 1
	MethodPost
	MethodPut
	MethodDelete
)

// ForwardableMethods lists the accepted methods in Allow header order.
var ForwardableMethods = []Method{MethodGet, MethodPost, MethodPut, MethodDelete}

// ParseMethod maps an HTTP method name to a Method.
func ParseMethod(name string) (Method, error) {
	switch name {
	case http.MethodGet:
		return MethodGet, nil
	case http.MethodPost:
		return MethodPost, nil
	case http.MethodPut:
		return MethodPut, nil
	case http.MethodDelete:
		return MethodDelete, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedMethod, name)
}

func (m Method) String() string {
	switch m {
	case MethodGet:
		return http.MethodGet
	case MethodPost:
		return http.MethodPost
	case MethodPut:
		return http.MethodPut
	case MethodDelete:
		return http.MethodDelete
	}
	return fmt.Sprintf("Method(%d)", uint8(m))
}

func allowHeader() string {
	names := make([]string, len(ForwardableMethods))
	for i, m := range ForwardableMethods {
		names[i] = m.String()
	}
	return strings.Join(names, ", ")
}
