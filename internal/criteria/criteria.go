// Package criteria implements C9: compiled advanced message predicates,
// additive to plain (apid, ctid) filter-set matching. Grounded on
// dlt_broker_handlers.py's DLTMessageHandler.compare (a dict-of-attributes
// duck-typed comparison against a message) — there is no verbatim Go
// equivalent of comparing arbitrary attributes against an untyped dict, so
// this ports the capability as a small compiled expression language over a
// fixed environment struct, using github.com/expr-lang/expr.
package criteria

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dlt-tools/dltbroker/pkg/dlttypes"
)

// CriterionEnv is the fixed set of fields a criterion expression may
// reference. expr.Compile rejects any other identifier at compile time,
// giving "unknown fields are a type error at build time" (SPEC_FULL.md C9).
type CriterionEnv struct {
	Apid           string
	Ctid           string
	Ecuid          string
	PayloadDecoded string
	Mcnt           int
	MessageType    int
	Subtype        int
}

// Criterion is a compiled predicate over CriterionEnv.
type Criterion struct {
	source string
	program *vm.Program
}

// Compile parses and type-checks source against CriterionEnv, returning an
// error identical in spirit to a Python AttributeError but caught before
// any message is ever evaluated.
func Compile(source string) (*Criterion, error) {
	program, err := expr.Compile(source, expr.Env(CriterionEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("criteria: compile %q: %w", source, err)
	}
	return &Criterion{source: source, program: program}, nil
}

// String returns the original expression source, for logging and the
// status HTTP surface's subscriber listing.
func (c *Criterion) String() string { return c.source }

// EnvFromFrame builds the evaluation environment for one decoded frame. The
// payload is decoded lazily by the caller (it is comparatively expensive)
// only when a criterion is actually attached to the subscription.
func EnvFromFrame(f *dlttypes.Frame, payloadDecoded string) CriterionEnv {
	env := CriterionEnv{
		Apid:           f.Apid(),
		Ctid:           f.Ctid(),
		Ecuid:          f.EcuIDTrimmed(),
		PayloadDecoded: payloadDecoded,
		Mcnt:           int(f.Standard.Mcnt),
	}
	if f.HasExtended {
		env.MessageType = f.Extended.MessageType()
		env.Subtype = f.Extended.Subtype()
	}
	return env
}

// Match evaluates the compiled criterion against env.
func (c *Criterion) Match(env CriterionEnv) (bool, error) {
	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("criteria: evaluate %q: %w", c.source, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("criteria: %q did not evaluate to a bool", c.source)
	}
	return matched, nil
}
