package policy

import "github.com/childguard/daemon/internal/errs"

func wrapPolicyInvalid(err error) error {
	return errs.Wrap(errs.CodePolicyInvalid, "policy failed to compile", err)
}
