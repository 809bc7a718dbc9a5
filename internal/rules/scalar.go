package rules

// supports reports whether op is one of ops.
func supports(op Operator, ops ...Operator) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// checkCandidates is the loop every scalar type shares. Presence operators are
// answered from the candidate count; every other operator is satisfied when
// any candidate matches. keep filters out candidates that do not coerce to
// the type at all (nil keeps everything).
func checkCandidates(in Input, r Rule, keep func(any) bool, match func(any) bool) (bool, error) {
	values, err := resolve(in, r)
	if err != nil {
		return false, err
	}
	presence := r.Operator == OpIsSet || r.Operator == OpIsNotSet
	n := 0
	for _, v := range values {
		if keep != nil && !keep(v) {
			continue
		}
		n++
		if !presence && match(v) {
			return true, nil
		}
	}
	switch r.Operator {
	case OpIsSet:
		return n > 0, nil
	case OpIsNotSet:
		return n == 0, nil
	}
	return false, nil
}

// presenceQuery compiles is set / is not set over an already resolved
// expression.
func presenceQuery(expr string, op Operator) (string, bool) {
	switch op {
	case OpIsSet:
		return expr + " IS NOT NULL", true
	case OpIsNotSet:
		return expr + " IS NULL", true
	}
	return "", false
}
