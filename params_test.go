package main

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimiq/mimiq/service"
)

func TestIndexedGroups(t *testing.T) {
	p := Params{url.Values{
		"SendMessageBatchRequestEntry.1.Id":          {"a"},
		"SendMessageBatchRequestEntry.1.MessageBody": {"first"},
		"SendMessageBatchRequestEntry.2.Id":          {"b"},
		"SendMessageBatchRequestEntry.2.MessageBody": {"second"},
		// A gap at 3 terminates the scan; 4 is never reached.
		"SendMessageBatchRequestEntry.4.Id": {"d"},
	}}

	groups := p.IndexedGroups("SendMessageBatchRequestEntry.", ".Id")
	require.Len(t, groups, 2)
	assert.Equal(t, "a", groups[0].Get("Id"))
	assert.Equal(t, "first", groups[0].Get("MessageBody"))
	assert.Equal(t, "b", groups[1].Get("Id"))

	assert.Empty(t, p.IndexedGroups("Missing.", ".Id"))
}

func TestIndexedValues(t *testing.T) {
	p := Params{url.Values{
		"AttributeName.1": {"QueueArn"},
		"AttributeName.2": {"All"},
		"AttributeName.4": {"Skipped"},
	}}
	assert.Equal(t, []string{"QueueArn", "All"}, p.IndexedValues("AttributeName."))
	assert.Empty(t, p.IndexedValues("Other."))
}

func TestPairMap(t *testing.T) {
	p := Params{url.Values{
		"Tag.1.Key":   {"team"},
		"Tag.1.Value": {"billing"},
		"Tag.2.Key":   {"env"},
		"Tag.2.Value": {"dev"},
	}}
	assert.Equal(t, map[string]string{"team": "billing", "env": "dev"},
		p.PairMap("Tag.", ".Key", ".Value"))

	entries := Params{url.Values{
		"Attributes.entry.1.key":   {"DisplayName"},
		"Attributes.entry.1.value": {"Events"},
	}}
	assert.Equal(t, map[string]string{"DisplayName": "Events"},
		entries.PairMap("Attributes.entry.", ".key", ".value"))
}

func TestMessageAttributes(t *testing.T) {
	p := Params{url.Values{
		"MessageAttribute.1.Name":              {"trace"},
		"MessageAttribute.1.Value.DataType":    {"String"},
		"MessageAttribute.1.Value.StringValue": {"abc"},
		"MessageAttribute.2.Name":              {"blob"},
		"MessageAttribute.2.Value.DataType":    {"Binary"},
		"MessageAttribute.2.Value.BinaryValue": {"AQID"},
	}}
	attrs, err := p.MessageAttributes("MessageAttribute.")
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	assert.Equal(t, "abc", attrs["trace"].StringValue)
	assert.Equal(t, []byte{1, 2, 3}, attrs["blob"].BinaryValue)
}

func TestMessageAttributesErrors(t *testing.T) {
	var serr *service.Error

	p := Params{url.Values{
		"MessageAttribute.1.Name":              {"n"},
		"MessageAttribute.1.Value.DataType":    {"Number"},
		"MessageAttribute.1.Value.StringValue": {"42"},
	}}
	_, err := p.MessageAttributes("MessageAttribute.")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, service.CodeUnimplemented, serr.Code)

	p = Params{url.Values{
		"MessageAttribute.1.Name":              {"blob"},
		"MessageAttribute.1.Value.DataType":    {"Binary"},
		"MessageAttribute.1.Value.BinaryValue": {"%%% not base64 %%%"},
	}}
	_, err = p.MessageAttributes("MessageAttribute.")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, service.CodeInvalidParameter, serr.Code)
}
