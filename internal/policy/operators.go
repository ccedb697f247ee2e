package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Operator is a rule comparison. The set is closed.
type Operator string

const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpLessThan           Operator = "LESS_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpContains           Operator = "CONTAINS"
	OpNotContains        Operator = "NOT_CONTAINS"
	OpStartsWith         Operator = "STARTS_WITH"
	OpEndsWith           Operator = "ENDS_WITH"
	OpIn                 Operator = "IN"
	OpNotIn              Operator = "NOT_IN"
	OpRegexMatch         Operator = "REGEX_MATCH"
	OpBetween            Operator = "BETWEEN"
	OpIsNull             Operator = "IS_NULL"
	OpIsNotNull          Operator = "IS_NOT_NULL"
)

var errUnknownOperator = errors.New("unknown operator")

// Valid reports whether o is one of the supported operators.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpIn, OpNotIn,
		OpRegexMatch, OpBetween, OpIsNull, OpIsNotNull:
		return true
	}
	return false
}

func (o Operator) validateValue(v string) error {
	switch o {
	case OpBetween:
		if _, _, ok := parseRange(v); !ok {
			return fmt.Errorf("value %q is not a numeric \"min,max\" range", v)
		}
	case OpRegexMatch:
		if _, err := compileAnchored(v); err != nil {
			return err
		}
	case OpIn, OpNotIn:
		if strings.TrimSpace(v) == "" {
			return errors.New("value list must not be empty")
		}
	}
	return nil
}

// apply tests value against cond. present is false when the field could not
// be resolved; such a rule only applies to the null checks.
func (o Operator) apply(value any, present bool, cond string) (bool, error) {
	switch o {
	case OpIsNull:
		return !present, nil
	case OpIsNotNull:
		return present, nil
	}
	if !o.Valid() {
		return false, fmt.Errorf("%w %q", errUnknownOperator, o)
	}
	if !present {
		return true, nil
	}

	s := stringify(value)
	switch o {
	case OpEquals:
		return s == cond, nil
	case OpNotEquals:
		return s != cond, nil
	case OpGreaterThan:
		return compare(s, cond) > 0, nil
	case OpLessThan:
		return compare(s, cond) < 0, nil
	case OpGreaterThanOrEqual:
		return compare(s, cond) >= 0, nil
	case OpLessThanOrEqual:
		return compare(s, cond) <= 0, nil
	case OpContains:
		return strings.Contains(s, cond), nil
	case OpNotContains:
		return !strings.Contains(s, cond), nil
	case OpStartsWith:
		return strings.HasPrefix(s, cond), nil
	case OpEndsWith:
		return strings.HasSuffix(s, cond), nil
	case OpIn:
		return inList(s, cond), nil
	case OpNotIn:
		return !inList(s, cond), nil
	case OpRegexMatch:
		re, err := compileAnchored(cond)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	case OpBetween:
		lo, hi, ok := parseRange(cond)
		if !ok {
			return false, nil
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return false, nil
		}
		return n >= lo && n <= hi, nil
	}
	return false, fmt.Errorf("%w %q", errUnknownOperator, o)
}

// compare orders a and b numerically when both parse as numbers, otherwise
// lexicographically.
func compare(a, b string) int {
	x, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	y, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func inList(s, list string) bool {
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == s {
			return true
		}
	}
	return false
}

func parseRange(v string) (lo, hi float64, ok bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, false
	}
	hi, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// regexCacheSize bounds the compiled MATCHES patterns kept in memory;
// patterns from deleted or edited rules age out.
const regexCacheSize = 512

var regexCache = func() *lru.Cache[string, *regexp.Regexp] {
	c, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}()

// compileAnchored compiles pattern so that it must match the whole string.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, err
	}
	regexCache.Add(pattern, re)
	return re, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
