package mmapcheck

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

var (
	ErrNotMapped     = errors.New("mmapcheck: range not tracked by oracle")
	ErrNotOwned      = errors.New("mmapcheck: fixed placement outside harness-owned memory")
	ErrClosed        = errors.New("mmapcheck: oracle is closed")
	ErrLocked        = errors.New("mmapcheck: work directory locked by another run")
	ErrUnknownTest   = errors.New("mmapcheck: unknown scenario")
	ErrUnsupportedOS = errors.New("mmapcheck: platform not supported")
)

// Kind is the class of a failed VM operation, independent of the
// platform's error numbering.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidArgument
	KindPermissionDenied
	KindOutOfMemory
	KindBadAddress
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "success"
	case KindInvalidArgument:
		return "invalid-argument"
	case KindPermissionDenied:
		return "permission-denied"
	case KindOutOfMemory:
		return "out-of-memory"
	case KindBadAddress:
		return "bad-address"
	default:
		return "other"
	}
}

// KindOf maps err to its Kind. A nil error is KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return KindOther
	}
	switch errno {
	case syscall.EINVAL:
		return KindInvalidArgument
	case syscall.EACCES, syscall.EPERM:
		return KindPermissionDenied
	case syscall.ENOMEM:
		return KindOutOfMemory
	case syscall.EFAULT:
		return KindBadAddress
	default:
		return KindOther
	}
}

// Violation is a detected break of the VM contract. It is always fatal to
// the run.
type Violation struct {
	Scenario string
	Op       string
	Args     string
	Want     string
	Got      string
}

func (v *Violation) Error() string {
	var b strings.Builder
	b.WriteString("mmapcheck: violation")
	if v.Scenario != "" {
		fmt.Fprintf(&b, " in %s", v.Scenario)
	}
	fmt.Fprintf(&b, ": %s(%s): want %s, got %s", v.Op, v.Args, v.Want, v.Got)
	return b.String()
}

func violationf(op, args, want, gotFormat string, a ...any) *Violation {
	return &Violation{Op: op, Args: args, Want: want, Got: fmt.Sprintf(gotFormat, a...)}
}

// ExpectKind checks that err is a failure of kind want. A success or a
// different kind is returned as a Violation.
func ExpectKind(op, args string, want Kind, err error) error {
	if isViolation(err) {
		return err
	}
	got := KindOf(err)
	if got == want {
		return nil
	}
	g := got.String()
	if err != nil {
		g = fmt.Sprintf("%s (%v)", g, err)
	}
	return &Violation{Op: op, Args: args, Want: want.String(), Got: g}
}

// ExpectFailure checks that err is non-nil, of any kind.
func ExpectFailure(op, args string, err error) error {
	if isViolation(err) {
		return err
	}
	if err != nil {
		return nil
	}
	return &Violation{Op: op, Args: args, Want: "failure", Got: "success"}
}

// inScenario stamps the scenario name on a Violation found in err.
func inScenario(name string, err error) error {
	var v *Violation
	if errors.As(err, &v) && v.Scenario == "" {
		v.Scenario = name
	}
	return err
}
