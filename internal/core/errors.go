package core

import "github.com/ferrixlabs/mooring/errs"

func streamUnavailable(name string) error {
	return errs.New("core/stream", errs.CodeUnavailable,
		errs.WithMessage(name+" stream not configured"))
}
