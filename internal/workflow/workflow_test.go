package workflow_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"complyline/internal/workflow"
)

func numberedSchema(t *testing.T, n int) workflow.Schema {
	t.Helper()
	steps := make([]workflow.StepDefinition, n)
	for i := range steps {
		steps[i] = workflow.StepDefinition{
			Key:            workflow.StepKey(fmt.Sprintf("step%d", i+1)),
			RequiredFields: []string{"f"},
		}
	}
	s, err := workflow.NewSchema(steps)
	if err != nil {
		t.Fatalf("new schema: %v", err)
	}
	return s
}

func completion(s workflow.Schema, done ...int) workflow.CompletionMap {
	cm := workflow.CompletionMap{}
	for _, k := range s.Keys() {
		cm[k] = false
	}
	for _, i := range done {
		cm[workflow.StepKey(fmt.Sprintf("step%d", i))] = true
	}
	return cm
}

func TestNewSchemaRejectsBadDefinitions(t *testing.T) {
	cases := map[string][]workflow.StepDefinition{
		"empty":         nil,
		"blank key":     {{Key: " "}},
		"duplicate key": {{Key: "a"}, {Key: "a"}},
		"blank field":   {{Key: "a", RequiredFields: []string{""}}},
		"dup field":     {{Key: "a", RequiredFields: []string{"x", "x"}}},
	}
	for name, steps := range cases {
		if _, err := workflow.NewSchema(steps); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestValidateStep(t *testing.T) {
	def := workflow.StepDefinition{Key: "details", RequiredFields: []string{"name", "email", "count"}}
	res := workflow.ValidateStep(def, workflow.StepData{"name": "  ", "count": 0})
	if res.OK {
		t.Fatalf("expected failure")
	}
	if !reflect.DeepEqual(res.Missing, []string{"name", "email"}) {
		t.Fatalf("missing = %v", res.Missing)
	}
	res = workflow.ValidateStep(def, workflow.StepData{"name": "Acme", "email": "a@b.c", "count": 3})
	if !res.OK || len(res.Missing) != 0 {
		t.Fatalf("expected ok, got %+v", res)
	}
}

func TestValidateStepWithoutRequiredFieldsAlwaysPasses(t *testing.T) {
	def := workflow.StepDefinition{Key: "intro"}
	for _, data := range []workflow.StepData{nil, {}, {"x": ""}} {
		res := workflow.ValidateStep(def, data)
		if !res.OK || len(res.Missing) != 0 {
			t.Fatalf("expected ok for %v, got %+v", data, res)
		}
	}
}

func TestSchemaValidateStepUnknownKey(t *testing.T) {
	s := numberedSchema(t, 2)
	_, err := s.ValidateStep("nope", nil)
	var ise workflow.InvalidStepError
	if !errors.As(err, &ise) || ise.Key != "nope" {
		t.Fatalf("expected InvalidStepError, got %v", err)
	}
}

func TestBuildCompletionMapUsesDraftForCurrentStep(t *testing.T) {
	s, err := workflow.NewSchema([]workflow.StepDefinition{
		{Key: "intro"},
		{Key: "a", RequiredFields: []string{"x"}},
		{Key: "b", RequiredFields: []string{"y"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	persisted := map[workflow.StepKey]workflow.StepData{
		"a": {"x": "saved"},
		"b": {"y": "saved"},
	}
	cm := workflow.BuildCompletionMap(s, persisted, "a", workflow.StepData{"x": ""})
	if len(cm) != s.Len() {
		t.Fatalf("expected %d entries, got %d", s.Len(), len(cm))
	}
	if !cm["intro"] {
		t.Fatalf("step without required fields must be complete")
	}
	if cm["a"] {
		t.Fatalf("draft should override persisted data for current step")
	}
	if !cm["b"] {
		t.Fatalf("non-current step should use persisted data")
	}
	cm = workflow.BuildCompletionMap(s, nil, "", nil)
	if len(cm) != 3 || !cm["intro"] || cm["a"] || cm["b"] {
		t.Fatalf("unexpected map for empty record: %v", cm)
	}
}

func TestIsUnlockedSequentialGating(t *testing.T) {
	s := numberedSchema(t, 4)
	cm := completion(s, 1, 3)
	want := map[workflow.StepKey]bool{"step1": true, "step2": true, "step3": false, "step4": false}
	for key, expected := range want {
		if got := workflow.IsUnlocked(s, key, cm, false); got != expected {
			t.Errorf("IsUnlocked(%s) = %v, want %v", key, got, expected)
		}
	}
	if !workflow.IsUnlocked(s, "step1", completion(s), false) {
		t.Fatalf("first step must always be unlocked")
	}
	if got := workflow.BlockingSteps(s, "step4", cm); !reflect.DeepEqual(got, []workflow.StepKey{"step2"}) {
		t.Fatalf("blocking = %v", got)
	}
}

func TestIsUnlockedTerminalBypassesGating(t *testing.T) {
	s := numberedSchema(t, 4)
	for _, k := range s.Keys() {
		if !workflow.IsUnlocked(s, k, completion(s), true) {
			t.Fatalf("terminal record should unlock %s", k)
		}
	}
}

func TestIsUnlockedUnknownStepFailsClosed(t *testing.T) {
	s := numberedSchema(t, 2)
	cm := completion(s, 1, 2)
	if workflow.IsUnlocked(s, "ghost", cm, false) || workflow.IsUnlocked(s, "ghost", cm, true) {
		t.Fatalf("unknown step must be locked")
	}
	if err := s.CheckStep("ghost"); err == nil {
		t.Fatalf("expected invalid step error")
	}
}

func TestComputeProgressLeadingStreak(t *testing.T) {
	s := numberedSchema(t, 4)
	if got := workflow.ComputeProgress(s, completion(s, 1, 2), workflow.StatusInProgress); got != 50 {
		t.Fatalf("progress = %d, want 50", got)
	}
	if got := workflow.ComputeProgress(s, completion(s, 1, 2, 4), workflow.StatusInProgress); got != 50 {
		t.Fatalf("completing step4 past a gap changed progress to %d", got)
	}
	if got := workflow.ComputeProgress(s, completion(s, 2, 3, 4), workflow.StatusDraft); got != 0 {
		t.Fatalf("progress = %d, want 0", got)
	}
}

func TestComputeProgressMonotonicInLeadingSteps(t *testing.T) {
	s := numberedSchema(t, 7)
	prev := -1
	var done []int
	for i := 0; i <= 7; i++ {
		if i > 0 {
			done = append(done, i)
		}
		got := workflow.ComputeProgress(s, completion(s, done...), workflow.StatusInProgress)
		if got < prev {
			t.Fatalf("progress decreased from %d to %d at %d", prev, got, i)
		}
		prev = got
	}
}

func TestComputeProgressTerminalAndCap(t *testing.T) {
	s := numberedSchema(t, 3)
	for _, st := range []workflow.Status{workflow.StatusSubmitted, workflow.StatusApproved} {
		if got := workflow.ComputeProgress(s, completion(s), st); got != 100 {
			t.Fatalf("%s progress = %d, want 100", st, got)
		}
	}
	all := completion(s, 1, 2, 3)
	for _, st := range []workflow.Status{workflow.StatusDraft, workflow.StatusInProgress, workflow.StatusRejected} {
		if got := workflow.ComputeProgress(s, all, st); got != 99 {
			t.Fatalf("%s progress = %d, want 99", st, got)
		}
	}
}

func TestCanSubmit(t *testing.T) {
	s, err := workflow.NewSchema([]workflow.StepDefinition{
		{Key: "details", RequiredFields: []string{"name"}},
		{Key: "checklist"},
		{Key: "decision", RequiredFields: []string{"outcome"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := workflow.CanSubmit(s, workflow.CompletionMap{"details": true, "checklist": false, "decision": false})
	if res.OK || !reflect.DeepEqual(res.MissingSteps, []workflow.StepKey{"decision"}) {
		t.Fatalf("unexpected gate result %+v", res)
	}
	var ge workflow.GateError
	if !errors.As(res.Err(), &ge) {
		t.Fatalf("expected GateError")
	}
	res = workflow.CanSubmit(s, workflow.CompletionMap{"details": true, "decision": true})
	if !res.OK || res.Err() != nil {
		t.Fatalf("expected ok, got %+v", res)
	}
}

func TestCanSubmitOptionalOnlySchema(t *testing.T) {
	s := workflow.MustSchema([]workflow.StepDefinition{{Key: "a"}, {Key: "b"}})
	if res := workflow.CanSubmit(s, workflow.CompletionMap{}); !res.OK {
		t.Fatalf("schema without required fields must always submit")
	}
}

func TestTwelveStepScenario(t *testing.T) {
	s := numberedSchema(t, 12)
	persisted := map[workflow.StepKey]workflow.StepData{}
	for i := 1; i <= 12; i++ {
		if i == 6 {
			continue
		}
		persisted[workflow.StepKey(fmt.Sprintf("step%d", i))] = workflow.StepData{"f": "value"}
	}
	cm := workflow.BuildCompletionMap(s, persisted, "", nil)
	if got := workflow.ComputeProgress(s, cm, workflow.StatusInProgress); got != 42 {
		t.Fatalf("progress = %d, want 42", got)
	}
	if workflow.IsUnlocked(s, "step7", cm, false) {
		t.Fatalf("step7 should be locked behind step6")
	}
	res := workflow.CanSubmit(s, cm)
	if res.OK || !reflect.DeepEqual(res.MissingSteps, []workflow.StepKey{"step6"}) {
		t.Fatalf("gate = %+v", res)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	standard := workflow.Lifecycle{}
	rework := workflow.Lifecycle{ReworkOnReject: true}
	allowed := [][2]workflow.Status{
		{workflow.StatusDraft, workflow.StatusInProgress},
		{workflow.StatusInProgress, workflow.StatusSubmitted},
		{workflow.StatusSubmitted, workflow.StatusApproved},
		{workflow.StatusSubmitted, workflow.StatusRejected},
	}
	for _, tr := range allowed {
		if err := standard.CheckTransition(tr[0], tr[1]); err != nil {
			t.Errorf("%s -> %s: %v", tr[0], tr[1], err)
		}
	}
	denied := [][2]workflow.Status{
		{workflow.StatusDraft, workflow.StatusApproved},
		{workflow.StatusDraft, workflow.StatusSubmitted},
		{workflow.StatusInProgress, workflow.StatusApproved},
		{workflow.StatusApproved, workflow.StatusDraft},
		{workflow.StatusSubmitted, workflow.StatusInProgress},
		{workflow.StatusRejected, workflow.StatusDraft},
	}
	for _, tr := range denied {
		var te workflow.TransitionError
		if err := standard.CheckTransition(tr[0], tr[1]); !errors.As(err, &te) {
			t.Errorf("%s -> %s should be refused", tr[0], tr[1])
		}
	}
	if err := rework.CheckTransition(workflow.StatusRejected, workflow.StatusDraft); err != nil {
		t.Fatalf("rework loop: %v", err)
	}
	if err := rework.CheckTransition(workflow.StatusDraft, workflow.StatusSubmitted); err != nil {
		t.Fatalf("resubmit after rework: %v", err)
	}
	if got := rework.Next(workflow.StatusSubmitted); !reflect.DeepEqual(got, []workflow.Status{workflow.StatusApproved, workflow.StatusRejected}) {
		t.Fatalf("next = %v", got)
	}
}

func TestParseStatus(t *testing.T) {
	st, err := workflow.ParseStatus(" in_progress ")
	if err != nil || st != workflow.StatusInProgress {
		t.Fatalf("parse: %v %v", st, err)
	}
	if _, err := workflow.ParseStatus("done"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRegistry(t *testing.T) {
	s := numberedSchema(t, 2)
	reg, err := workflow.NewRegistry(workflow.RecordType{Key: "ropa", Schema: s}, workflow.RecordType{Key: "vendor", Schema: s})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup("vendor"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := reg.Lookup("dpia"); !errors.Is(err, workflow.ErrUnknownRecordType) {
		t.Fatalf("expected ErrUnknownRecordType, got %v", err)
	}
	if _, err := workflow.NewRegistry(workflow.RecordType{Key: "a", Schema: s}, workflow.RecordType{Key: "a", Schema: s}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}
