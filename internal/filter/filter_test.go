package filter

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/amisync/pkg/image"
)

func TestParse(t *testing.T) {
	sel, err := Parse("AMI_Template_Update=True")
	require.NoError(t, err)
	assert.Equal(t, Selector{Key: "AMI_Template_Update", Value: "True"}, sel)
	assert.Equal(t, "AMI_Template_Update=True", sel.String())

	sel, err = Parse(" team = platform ")
	require.NoError(t, err)
	assert.Equal(t, Selector{Key: "team", Value: "platform"}, sel)

	sel, err = Parse("empty=")
	require.NoError(t, err)
	assert.Equal(t, "", sel.Value)
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "novalue", "=True"} {
		_, err := Parse(s)
		assert.Error(t, err, s)
	}
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("bad") })
}

func TestSelector_EC2Filter(t *testing.T) {
	f := MustParse("AMI_DailyUpdate=True").EC2Filter()
	assert.Equal(t, "tag:AMI_DailyUpdate", aws.ToString(f.Name))
	assert.Equal(t, []string{"True"}, f.Values)
}

func TestShouldInclude_NoFilters(t *testing.T) {
	f := New(nil, nil)
	assert.True(t, f.ShouldInclude(image.Tags{"env": "prod"}))
	assert.True(t, f.ShouldInclude(nil))
}

func TestShouldInclude_Include(t *testing.T) {
	f := New([]Selector{MustParse("AMI_Template_Update=True")}, nil)

	assert.True(t, f.ShouldInclude(image.Tags{"AMI_Template_Update": "True", "env": "prod"}))
	assert.False(t, f.ShouldInclude(image.Tags{"AMI_Template_Update": "False"}))
	assert.False(t, f.ShouldInclude(image.Tags{"AMI_Template_Update": "true"}), "value match is case sensitive")
	assert.False(t, f.ShouldInclude(image.Tags{"ami_template_update": "True"}), "key match is case sensitive")
	assert.False(t, f.ShouldInclude(nil), "untagged never matches")
}

func TestShouldInclude_MultipleRequired(t *testing.T) {
	f := New([]Selector{MustParse("AMI_Template_Update=True"), MustParse("env=prod")}, nil)

	assert.True(t, f.ShouldInclude(image.Tags{"AMI_Template_Update": "True", "env": "prod"}))
	assert.False(t, f.ShouldInclude(image.Tags{"AMI_Template_Update": "True"}))
}

func TestShouldInclude_Exclude(t *testing.T) {
	f := New(
		[]Selector{MustParse("AMI_Template_Update=True")},
		[]Selector{MustParse("AMI_Template_Pause=True")},
	)

	assert.True(t, f.ShouldInclude(image.Tags{"AMI_Template_Update": "True"}))
	assert.False(t, f.ShouldInclude(image.Tags{"AMI_Template_Update": "True", "AMI_Template_Pause": "True"}))
	assert.True(t, f.ShouldInclude(image.Tags{"AMI_Template_Update": "True", "AMI_Template_Pause": "False"}))
}

func TestTemplates(t *testing.T) {
	f := New([]Selector{MustParse("AMI_Template_Update=True")}, nil)
	templates := []image.Template{
		{ID: "lt-1", Tags: image.Tags{"AMI_Template_Update": "True"}},
		{ID: "lt-2"},
		{ID: "lt-3", Tags: image.Tags{"AMI_Template_Update": "False"}},
		{ID: "lt-4", Tags: image.Tags{"AMI_Template_Update": "True"}},
	}

	got := f.Templates(templates)

	require.Len(t, got, 2)
	assert.Equal(t, "lt-1", got[0].ID)
	assert.Equal(t, "lt-4", got[1].ID)
	assert.Empty(t, f.Templates(nil))
}
