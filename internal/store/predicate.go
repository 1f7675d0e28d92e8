package store

import (
	"strings"
)

// Predicate is a filter over samples joined with their statistics. Filters
// are plain values composed with And and Or. The zero value matches every
// sample, like All.
type Predicate struct {
	where string
	args  []any
}

func (p Predicate) String() string {
	return p.where
}

// All matches every sample.
func All() Predicate {
	return Predicate{where: "1"}
}

// None matches nothing.
func None() Predicate {
	return Predicate{where: "0"}
}

// HashIn matches samples having any of the given hashes.
func HashIn(md5s, sha1s, sha2s []string) Predicate {
	return Or(
		in("s.md5", md5s),
		in("s.sha1", sha1s),
		in("s.sha2", sha2s),
	)
}

// TypeIn matches samples classified as any of identifiers.
func TypeIn(identifiers ...string) Predicate {
	return in("s.file_type", identifiers)
}

// SizeBetween matches sizes in [lower, upper).
func SizeBetween(lower, upper int64) Predicate {
	return Predicate{where: "(s.size >= ? AND s.size < ?)", args: []any{lower, upper}}
}

// ElapsedTimeBetween matches samples processed in [lower, upper] seconds.
func ElapsedTimeBetween(lower, upper int) Predicate {
	return Predicate{where: "(st.elapsed_time >= ? AND st.elapsed_time <= ?)", args: []any{lower, upper}}
}

func Decompiled() Predicate {
	return Predicate{where: "st.decompiled = 1"}
}

func TimedOut() Predicate {
	return Predicate{where: "st.timed_out = 1"}
}

// Failed matches processed samples which neither decompiled nor timed out.
func Failed() Predicate {
	return Predicate{where: "(st.decompiled = 0 AND st.timed_out = 0)"}
}

func And(ps ...Predicate) Predicate {
	return join(" AND ", "1", ps)
}

func Or(ps ...Predicate) Predicate {
	return join(" OR ", "0", ps)
}

func join(op, empty string, ps []Predicate) Predicate {
	if len(ps) == 0 {
		return Predicate{where: empty}
	}
	if len(ps) == 1 && ps[0].where != "" {
		return ps[0]
	}
	parts := make([]string, 0, len(ps))
	var args []any
	for _, p := range ps {
		if p.where == "" {
			p = All()
		}
		parts = append(parts, p.where)
		args = append(args, p.args...)
	}
	return Predicate{where: "(" + strings.Join(parts, op) + ")", args: args}
}

func in(column string, values []string) Predicate {
	if len(values) == 0 {
		return None()
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	return Predicate{where: column + " IN (" + marks + ")", args: args}
}
