package enforce

import (
	"fmt"

	"github.com/childguard/daemon/internal/errs"
)

func errUnsupported(cap Capability) error {
	return errs.New(errs.CodeEnforceFailed, fmt.Sprintf("capability %s not supported by this actor", cap))
}
