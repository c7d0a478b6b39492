package orchestrator

import "testing"

func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text     string
		decision FeedbackDecision
		ok       bool
	}{
		{text: "approve", decision: DecisionApprove, ok: true},
		{text: "OK", decision: DecisionApprove, ok: true},
		{text: "  Yes!  ", decision: DecisionApprove, ok: true},
		{text: "proceed", decision: DecisionApprove, ok: true},
		{text: "go ahead", decision: DecisionApprove, ok: true},
		{text: "同意", decision: DecisionApprove, ok: true},
		{text: "执行", decision: DecisionApprove, ok: true},
		{text: "开始", decision: DecisionApprove, ok: true},
		{text: "确认。", decision: DecisionApprove, ok: true},
		{text: "cancel", decision: DecisionAbort, ok: true},
		{text: "Stop", decision: DecisionAbort, ok: true},
		{text: "取消", decision: DecisionAbort, ok: true},
		{text: "please split step two into separate queries", ok: false},
		{text: "looks mostly fine but use a bar chart", ok: false},
	}
	for _, tc := range cases {
		decision, ok := classifyDeterministic(tc.text)
		if ok != tc.ok {
			t.Fatalf("classifyDeterministic(%q) ok=%v, want %v", tc.text, ok, tc.ok)
		}
		if ok && decision != tc.decision {
			t.Fatalf("classifyDeterministic(%q)=%q, want %q", tc.text, decision, tc.decision)
		}
	}
}
