package stats

import (
	"bytes"
	"fmt"
	"testing"
)

/*
Utilities for validating the stats registry contents
*/
type RuleChecker struct {
	name    string
	checker func(interface{}, interface{}) bool
}

/*
returns true if a is an int64 equal to b (an int)
*/
func int64EqTest(a, b interface{}) bool {
	aint, ok := a.(int64)
	if !ok {
		return false
	}
	return aint == int64(b.(int))
}

var Int64EqTest = RuleChecker{name: "IntEqTest", checker: int64EqTest}

/*
returns true if a is an int64 greater than b (an int)
*/
func int64GTTest(a, b interface{}) bool {
	aint, ok := a.(int64)
	if !ok {
		return false
	}
	return aint > int64(b.(int))
}

var Int64GTTest = RuleChecker{name: "IntGTTest", checker: int64GTTest}

func doesNotExistTest(a, b interface{}) bool {
	return a == nil
}

var DoesNotExistTest = RuleChecker{name: "NotExistCheck", checker: doesNotExistTest}

/*
defines the condition checker to use to validate the measurement.  Each Checker(a, b) implementation
will expect a to be the 'got' value and b to be the 'expected' value.
*/
type Rule struct {
	Checker RuleChecker
	Value   interface{}
}

/*
Verify that the stats registry object contains values for the keys in the contains map parameter and that
each entry conforms to the rule (condition) associated with that key.
*/
func VerifyStats(tag string, statsRegistry StatsRegistry, t *testing.T, contains map[string]Rule) {
	t.Helper()
	asFinagleRegistry, ok := statsRegistry.(*finagleStatsRegistry)
	if !ok {
		t.Errorf("%s: registry %T cannot be verified", tag, statsRegistry)
		return
	}

	failed := false
	var msg bytes.Buffer
	msg.WriteString(tag)
	msg.WriteString(":stats registry error:\n")

	asJson := asFinagleRegistry.MarshalAll()
	for key, rule := range contains {
		gotValue := asJson[key]
		if rule.Checker.checker(gotValue, rule.Value) {
			continue
		}
		failed = true
		if rule.Checker.name == DoesNotExistTest.name {
			msg.WriteString(fmt.Sprintf("%s: found stat entry when there should not be one\n", key))
		} else {
			msg.WriteString(fmt.Sprintf("%s: got %v, expected to pass %s with %v\n", key, gotValue, rule.Checker.name, rule.Value))
		}
	}
	if failed {
		regBytes, _ := asFinagleRegistry.MarshalJSONPretty()
		msg.Write(regBytes)
		t.Error(msg.String())
	}
}
