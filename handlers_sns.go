package main

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/service"
)

func (app *App) handleSNSAction(w http.ResponseWriter, r *http.Request, params Params, region string) {
	switch action := params.Get("Action"); action {
	case "CreateTopic":
		app.createTopic(w, r, params, region)
	case "SetTopicAttributes":
		app.setTopicAttributes(w, r, params)
	case "GetTopicAttributes":
		app.getTopicAttributes(w, r, params)
	case "ListTagsForResource":
		app.listTagsForResource(w, r, params)
	case "DeleteTopic":
		app.deleteTopic(w, r, params)
	case "ListTopics":
		app.listTopics(w, r, region)
	case "Subscribe":
		app.subscribe(w, r, params)
	case "GetSubscriptionAttributes":
		app.getSubscriptionAttributes(w, r, params)
	case "Publish":
		app.publish(w, r, params)
	case "PublishBatch":
		app.publishBatch(w, r, params)
	default:
		app.renderError(w, &service.Error{
			Code:    "Unimplemented",
			Message: "Unimplemented: " + action,
		})
	}
}

const defaultTopicPolicy = `{"Version":"2012-10-17"}`

const defaultDeliveryPolicy = `{"http":{"defaultHealthyRetryPolicy":{"minDelayTarget":20,"maxDelayTarget":20,"numRetries":3,"numMaxDelayRetries":0,"numNoDelayRetries":0,"numMinDelayRetries":0,"backoffFunction":"linear"},"disableSubscriptionOverrides":false}}`

type createTopicResponse struct {
	XMLName  xml.Name `xml:"Result"`
	TopicARN string   `xml:"CreateTopicResult>TopicArn"`
}

func (app *App) createTopic(w http.ResponseWriter, r *http.Request, params Params, region string) {
	attrs := params.PairMap("Attributes.entry.", ".key", ".value")
	tags := params.PairMap("Tags.member.", ".Key", ".Value")

	stringOr := func(name, fallback string) string {
		if v, ok := attrs[name]; ok && v != "" {
			return v
		}
		return fallback
	}
	rate := func(name string) int {
		v, _ := strconv.Atoi(attrs[name])
		return v
	}

	cfg := models.TopicConfig{
		DisplayName:                          attrs["DisplayName"],
		Policy:                               stringOr("Policy", defaultTopicPolicy),
		EffectiveDeliveryPolicy:              stringOr("EffectiveDeliveryPolicy", defaultDeliveryPolicy),
		LambdaSuccessFeedbackSampleRate:      rate("LambdaSuccessFeedbackSampleRate"),
		FirehoseSuccessFeedbackSampleRate:    rate("FirehoseSuccessFeedbackSampleRate"),
		SQSSuccessFeedbackSampleRate:         rate("SQSSuccessFeedbackSampleRate"),
		HTTPSuccessFeedbackSampleRate:        rate("HTTPSuccessFeedbackSampleRate"),
		ApplicationSuccessFeedbackSampleRate: rate("ApplicationSuccessFeedbackSampleRate"),
		FifoTopic:                            attrs["FifoTopic"] == "true",
		ContentBasedDeduplication:            attrs["ContentBasedDeduplication"] == "true",
	}

	t, err := app.Topics.CreateTopic(r.Context(), region, app.Cfg.Identity.AccountID, params.Get("Name"), cfg, tags)
	if err != nil {
		app.renderError(w, err)
		return
	}
	app.renderXML(w, createTopicResponse{TopicARN: t.ID})
}

type emptyResult struct {
	XMLName xml.Name `xml:"Result"`
}

func (app *App) setTopicAttributes(w http.ResponseWriter, r *http.Request, params Params) {
	name := params.Get("AttributeName")
	value := params.Get("AttributeValue")

	var apply func(*models.TopicConfig)
	switch name {
	case "Policy":
		apply = func(c *models.TopicConfig) { c.Policy = value }
	case "EffectiveDeliveryPolicy":
		apply = func(c *models.TopicConfig) { c.EffectiveDeliveryPolicy = value }
	case "DisplayName":
		apply = func(c *models.TopicConfig) { c.DisplayName = value }
	case "ContentBasedDeduplication":
		apply = func(c *models.TopicConfig) { c.ContentBasedDeduplication = value == "true" }
	case "LambdaSuccessFeedbackSampleRate", "FirehoseSuccessFeedbackSampleRate",
		"SQSSuccessFeedbackSampleRate", "HTTPSuccessFeedbackSampleRate",
		"ApplicationSuccessFeedbackSampleRate":
		sampleRate, err := strconv.Atoi(value)
		if err != nil {
			app.renderError(w, &service.Error{
				Code:    service.CodeInvalidParameter,
				Message: name + " must be an integer",
			})
			return
		}
		apply = func(c *models.TopicConfig) {
			switch name {
			case "LambdaSuccessFeedbackSampleRate":
				c.LambdaSuccessFeedbackSampleRate = sampleRate
			case "FirehoseSuccessFeedbackSampleRate":
				c.FirehoseSuccessFeedbackSampleRate = sampleRate
			case "SQSSuccessFeedbackSampleRate":
				c.SQSSuccessFeedbackSampleRate = sampleRate
			case "HTTPSuccessFeedbackSampleRate":
				c.HTTPSuccessFeedbackSampleRate = sampleRate
			case "ApplicationSuccessFeedbackSampleRate":
				c.ApplicationSuccessFeedbackSampleRate = sampleRate
			}
		}
	default:
		app.renderError(w, &service.Error{
			Code:    service.CodeUnimplemented,
			Message: "Can't set " + name + " on topic",
		})
		return
	}

	err := app.Store.UpdateTopic(r.Context(), params.Get("TopicArn"), func(t *models.Topic) {
		apply(&t.Config)
	})
	if err != nil {
		app.renderError(w, err)
		return
	}
	app.renderXML(w, emptyResult{})
}

type xmlEntry struct {
	Key   string `xml:"key"`
	Value string `xml:"value"`
}

type getTopicAttributesResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		Entries []xmlEntry `xml:"Attributes>entry"`
	} `xml:"GetTopicAttributesResult"`
}

func (app *App) getTopicAttributes(w http.ResponseWriter, r *http.Request, params Params) {
	t, err := app.Store.GetTopic(r.Context(), params.Get("TopicArn"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	var resp getTopicAttributesResponse
	resp.Result.Entries = []xmlEntry{
		{"TopicArn", t.ID},
		{"Owner", t.AccountID},
		{"SubscriptionsPending", "0"},
		{"SubscriptionsConfirmed", "0"},
		{"SubscriptionsDeleted", "0"},
		{"DisplayName", t.Config.DisplayName},
		{"Policy", t.Config.Policy},
		{"EffectiveDeliveryPolicy", t.Config.EffectiveDeliveryPolicy},
		{"FifoTopic", strconv.FormatBool(t.Config.FifoTopic)},
		{"ContentBasedDeduplication", strconv.FormatBool(t.Config.ContentBasedDeduplication)},
		{"LambdaSuccessFeedbackSampleRate", strconv.Itoa(t.Config.LambdaSuccessFeedbackSampleRate)},
		{"FirehoseSuccessFeedbackSampleRate", strconv.Itoa(t.Config.FirehoseSuccessFeedbackSampleRate)},
		{"SQSSuccessFeedbackSampleRate", strconv.Itoa(t.Config.SQSSuccessFeedbackSampleRate)},
		{"HTTPSuccessFeedbackSampleRate", strconv.Itoa(t.Config.HTTPSuccessFeedbackSampleRate)},
		{"ApplicationSuccessFeedbackSampleRate", strconv.Itoa(t.Config.ApplicationSuccessFeedbackSampleRate)},
	}
	app.renderXML(w, resp)
}

type listTagsForResourceResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		Tags []xmlTag `xml:"Tags>member"`
	} `xml:"ListTagsForResourceResult"`
}

func (app *App) listTagsForResource(w http.ResponseWriter, r *http.Request, params Params) {
	t, err := app.Store.GetTopic(r.Context(), params.Get("ResourceArn"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	var resp listTagsForResourceResponse
	for k, v := range t.Tags {
		resp.Result.Tags = append(resp.Result.Tags, xmlTag{k, v})
	}
	app.renderXML(w, resp)
}

type deleteTopicResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct{} `xml:"DeleteTopicResult"`
}

func (app *App) deleteTopic(w http.ResponseWriter, r *http.Request, params Params) {
	if err := app.Store.DeleteTopic(r.Context(), params.Get("TopicArn")); err != nil {
		app.renderError(w, err)
		return
	}
	app.renderXML(w, deleteTopicResponse{})
}

type listTopicsResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		Members []struct {
			TopicARN string `xml:"TopicArn"`
		} `xml:"Topics>member"`
	} `xml:"ListTopicsResult"`
}

func (app *App) listTopics(w http.ResponseWriter, r *http.Request, region string) {
	topics, err := app.Store.ListTopics(r.Context(), region, app.Cfg.Identity.AccountID)
	if err != nil {
		app.renderError(w, err)
		return
	}
	var resp listTopicsResponse
	for _, t := range topics {
		resp.Result.Members = append(resp.Result.Members, struct {
			TopicARN string `xml:"TopicArn"`
		}{t.ID})
	}
	app.renderXML(w, resp)
}

type subscribeResponse struct {
	XMLName         xml.Name `xml:"Result"`
	SubscriptionARN string   `xml:"SubscribeResult>SubscriptionArn"`
}

func (app *App) subscribe(w http.ResponseWriter, r *http.Request, params Params) {
	t, err := app.Store.GetTopic(r.Context(), params.Get("TopicArn"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	attrs := params.PairMap("Attributes.entry.", ".key", ".value")
	cfg := models.SubscriptionConfig{
		RawMessageDelivery: strings.EqualFold(attrs["RawMessageDelivery"], "true"),
	}
	sub, err := app.Topics.Subscribe(r.Context(), t, params.Get("Protocol"), params.Get("Endpoint"), cfg)
	if err != nil {
		app.renderError(w, err)
		return
	}
	app.renderXML(w, subscribeResponse{SubscriptionARN: sub.ID})
}

type getSubscriptionAttributesResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		Entries []xmlEntry `xml:"Attributes>entry"`
	} `xml:"GetSubscriptionAttributesResult"`
}

func (app *App) getSubscriptionAttributes(w http.ResponseWriter, r *http.Request, params Params) {
	sub, err := app.Store.GetSubscription(r.Context(), params.Get("SubscriptionArn"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	var resp getSubscriptionAttributesResponse
	resp.Result.Entries = []xmlEntry{
		{"Owner", sub.AccountID},
		{"RawMessageDelivery", strconv.FormatBool(sub.Config.RawMessageDelivery)},
		{"TopicArn", sub.TopicID},
		{"Endpoint", sub.Endpoint.QueueID},
		{"Protocol", string(sub.Endpoint.Protocol)},
		{"PendingConfirmation", strconv.FormatBool(sub.PendingConfirmation)},
		{"ConfirmationWasAuthenticated", strconv.FormatBool(sub.ConfirmationWasAuthenticated)},
		{"SubscriptionArn", sub.ID},
	}
	app.renderXML(w, resp)
}

func publishInputFromParams(params Params) (service.PublishInput, error) {
	attrs, err := params.MessageAttributes("MessageAttribute.")
	if err != nil {
		return service.PublishInput{}, err
	}
	return service.PublishInput{
		Subject:          params.Get("Subject"),
		Body:             params.Get("Message"),
		GroupID:          params.Get("MessageGroupId"),
		DedupID:          params.Get("MessageDeduplicationId"),
		Attributes:       attrs,
		MessageStructure: params.Get("MessageStructure"),
	}, nil
}

type publishResponse struct {
	XMLName   xml.Name `xml:"Response"`
	MessageID string   `xml:"PublishResult>MessageId"`
}

func (app *App) publish(w http.ResponseWriter, r *http.Request, params Params) {
	t, err := app.Store.GetTopic(r.Context(), params.Get("TopicArn"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	in, err := publishInputFromParams(params)
	if err != nil {
		app.renderError(w, err)
		return
	}
	m, err := app.Topics.Publish(r.Context(), t, in)
	if err != nil {
		app.renderError(w, err)
		return
	}
	app.renderXML(w, publishResponse{MessageID: m.ID})
}

type publishBatchMember struct {
	ID        string `xml:"Id"`
	MessageID string `xml:"MessageId"`
}

type publishBatchResponse struct {
	XMLName xml.Name `xml:"Response"`
	Result  struct {
		Successful []publishBatchMember    `xml:"Successful>member"`
		Failed     []batchResultErrorEntry `xml:"Failed>member"`
	} `xml:"PublishBatchResult"`
}

func (app *App) publishBatch(w http.ResponseWriter, r *http.Request, params Params) {
	t, err := app.Store.GetTopic(r.Context(), params.Get("TopicArn"))
	if err != nil {
		app.renderError(w, err)
		return
	}

	var resp publishBatchResponse
	for _, entry := range params.IndexedGroups("PublishBatchRequestEntries.member.", ".Id") {
		entryID := entry.Get("Id")
		in, err := publishInputFromParams(entry)
		var m *models.TopicMessage
		if err == nil {
			m, err = app.Topics.Publish(r.Context(), t, in)
		}
		if err != nil {
			code, message := wireError(err)
			resp.Result.Failed = append(resp.Result.Failed, batchResultErrorEntry{
				ID:          entryID,
				Code:        code,
				Message:     message,
				SenderFault: true,
			})
			continue
		}
		resp.Result.Successful = append(resp.Result.Successful, publishBatchMember{
			ID:        entryID,
			MessageID: m.ID,
		})
	}
	app.renderXML(w, resp)
}
