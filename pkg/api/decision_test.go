package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	routes := map[string]Kind{"research": "research"}

	require.Equal(t, Kind("research"), Classify("research", routes, "qna"))
	require.Equal(t, Kind("research"), Classify(" RESEARCH \n", routes, "qna"))
	require.Equal(t, Kind("qna"), Classify("research.", routes, "qna"))
	require.Equal(t, Kind("qna"), Classify("", routes, "qna"))
}

func TestDecisionStep_Definition(t *testing.T) {
	step, err := DecisionStep(DecisionSpec{
		Name:       "route",
		Classifier: "classifier",
		Routes:     map[string]Kind{"Research": "research", "code": "coding"},
		Default:    "qna",
	})
	require.NoError(t, err)
	require.Equal(t, []Kind{KindStart}, step.Accepts)
	require.Equal(t, []Kind{"coding", "qna", "research"}, step.Emits)
	require.Equal(t, []string{"classifier"}, step.Requires)
}

func TestDecisionStep_Invalid(t *testing.T) {
	specs := []DecisionSpec{
		{Classifier: "c", Default: "d"},
		{Name: "n", Default: "d"},
		{Name: "n", Classifier: "c"},
		{Name: "n", Classifier: "c", Default: KindProgress},
		{Name: "n", Classifier: "c", Default: "d", Routes: map[string]Kind{"x": ""}},
	}
	for _, spec := range specs {
		_, err := DecisionStep(spec)
		require.ErrorIs(t, err, ErrConfiguration)
	}
}

func TestDefaultDecisionPrompt(t *testing.T) {
	p := DefaultDecisionPrompt("what now?", []Message{{Role: "user", Content: "earlier"}})
	require.Contains(t, p, "user: earlier")
	require.Contains(t, p, "what now?")
}
