package main

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/service"
	"github.com/mimiq/mimiq/store"
)

func (app *App) handleSQSAction(w http.ResponseWriter, r *http.Request, params Params, region string) {
	switch action := params.Get("Action"); action {
	case "CreateQueue":
		app.createQueue(w, r, params, region)
	case "GetQueueAttributes":
		app.getQueueAttributes(w, r, params, region)
	case "ListQueues":
		app.listQueues(w, r, region)
	case "ListQueueTags":
		app.listQueueTags(w, r, params, region)
	case "TagQueue":
		app.tagQueue(w, r, params, region)
	case "SendMessage":
		app.sendMessage(w, r, params, region)
	case "SendMessageBatch":
		app.sendMessageBatch(w, r, params, region)
	case "ReceiveMessage":
		app.receiveMessage(w, r, params, region)
	case "DeleteMessage":
		app.deleteMessage(w, r, params, region)
	case "DeleteMessageBatch":
		app.deleteMessageBatch(w, r, params, region)
	default:
		app.renderError(w, &service.Error{
			Code:    "Unimplemented",
			Message: "Unimplemented: " + action,
		})
	}
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// --- queue management ---

type createQueueResponse struct {
	XMLName  xml.Name `xml:"Result"`
	QueueURL string   `xml:"CreateQueueResult>QueueUrl"`
}

// Queue attributes accepted on creation, with their defaults. The
// approximate-count attributes are accepted so that config dumps replay
// cleanly, but their values are ignored.
var defaultQueueAttributes = map[string]string{
	"FifoQueue":                             "false",
	"ContentBasedDeduplication":             "false",
	"ApproximateNumberOfMessages":           "0",
	"ApproximateNumberOfMessagesDelayed":    "0",
	"ApproximateNumberOfMessagesNotVisible": "0",
	"DelaySeconds":                          "0",
	"MaximumMessageSize":                    strconv.Itoa(service.DefaultMaximumMessageSize),
	"MessageRetentionPeriod":                strconv.Itoa(service.DefaultMessageRetentionPeriod),
	"Policy":                                `{"Version":"2012-10-17"}`,
	"ReceiveMessageWaitTimeSeconds":         "0",
	"RedrivePolicy":                         "{}",
	"VisibilityTimeout":                     strconv.Itoa(service.DefaultVisibilityTimeout),
}

func intAttr(attrs map[string]string, name string) (int, error) {
	v, err := strconv.Atoi(attrs[name])
	if err != nil {
		return 0, &service.Error{
			Code:    service.CodeInvalidParameter,
			Message: fmt.Sprintf("attribute %s must be an integer", name),
		}
	}
	return v, nil
}

func (app *App) createQueue(w http.ResponseWriter, r *http.Request, params Params, region string) {
	attrs := make(map[string]string, len(defaultQueueAttributes))
	for k, v := range defaultQueueAttributes {
		attrs[k] = v
	}
	for name, value := range params.PairMap("Attribute.", ".Name", ".Value") {
		if _, known := defaultQueueAttributes[name]; !known {
			app.renderError(w, &service.Error{
				Code:    service.CodeUnimplemented,
				Message: fmt.Sprintf("Queue attribute %s not supported", name),
			})
			return
		}
		attrs[name] = value
	}

	cfg := models.QueueConfig{
		Policy:                    attrs["Policy"],
		RedrivePolicy:             attrs["RedrivePolicy"],
		FifoQueue:                 attrs["FifoQueue"] == "true",
		ContentBasedDeduplication: attrs["ContentBasedDeduplication"] == "true",
	}
	var err error
	for name, dst := range map[string]*int{
		"DelaySeconds":                  &cfg.DelaySeconds,
		"MaximumMessageSize":            &cfg.MaximumMessageSize,
		"MessageRetentionPeriod":        &cfg.MessageRetentionPeriod,
		"ReceiveMessageWaitTimeSeconds": &cfg.ReceiveMessageWaitTimeSeconds,
		"VisibilityTimeout":             &cfg.VisibilityTimeout,
	} {
		if *dst, err = intAttr(attrs, name); err != nil {
			app.renderError(w, err)
			return
		}
	}

	tags := params.PairMap("Tag.", ".Key", ".Value")
	q, err := app.Queues.CreateQueue(r.Context(), region, app.Cfg.Identity.AccountID, params.Get("QueueName"), cfg, tags)
	if err != nil {
		app.renderError(w, err)
		return
	}
	app.renderXML(w, createQueueResponse{QueueURL: queueURL(q)})
}

type xmlAttribute struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

type getQueueAttributesResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		Attributes []xmlAttribute `xml:"Attribute"`
	} `xml:"GetQueueAttributesResult"`
}

func (app *App) getQueueAttributes(w http.ResponseWriter, r *http.Request, params Params, region string) {
	q, err := app.queueFromURL(r, region, params.Get("QueueUrl"))
	if err != nil {
		app.renderError(w, err)
		return
	}

	all := []xmlAttribute{
		{"QueueArn", q.ID},
		{"CreatedTimestamp", strconv.FormatInt(q.CreatedAt.Unix(), 10)},
		{"LastModifiedTimestamp", strconv.FormatInt(q.ModifiedAt.Unix(), 10)},
		{"ApproximateNumberOfMessages", strconv.Itoa(q.MessagesVisible)},
		{"ApproximateNumberOfMessagesDelayed", strconv.Itoa(q.MessagesDelayed)},
		{"ApproximateNumberOfMessagesNotVisible", strconv.Itoa(q.MessagesNotVisible)},
		{"Policy", q.Config.Policy},
		{"RedrivePolicy", q.Config.RedrivePolicy},
		{"DelaySeconds", strconv.Itoa(q.Config.DelaySeconds)},
		{"MaximumMessageSize", strconv.Itoa(q.Config.MaximumMessageSize)},
		{"MessageRetentionPeriod", strconv.Itoa(q.Config.MessageRetentionPeriod)},
		{"ReceiveMessageWaitTimeSeconds", strconv.Itoa(q.Config.ReceiveMessageWaitTimeSeconds)},
		{"VisibilityTimeout", strconv.Itoa(q.Config.VisibilityTimeout)},
		{"FifoQueue", strconv.FormatBool(q.Config.FifoQueue)},
		{"ContentBasedDeduplication", strconv.FormatBool(q.Config.ContentBasedDeduplication)},
	}
	byName := make(map[string]string, len(all))
	for _, attr := range all {
		byName[attr.Name] = attr.Value
	}

	var resp getQueueAttributesResponse
	var wanted []xmlAttribute
	for _, name := range params.IndexedValues("AttributeName.") {
		if name == "All" {
			wanted = all
			break
		}
		value, known := byName[name]
		if !known {
			app.renderError(w, &service.Error{
				Code:    service.CodeUnimplemented,
				Message: "Unknown attribute " + name,
			})
			return
		}
		wanted = append(wanted, xmlAttribute{name, value})
	}
	for _, attr := range wanted {
		// An unset redrive policy is absent rather than "{}".
		if attr.Name == "RedrivePolicy" && attr.Value == "{}" {
			continue
		}
		resp.Result.Attributes = append(resp.Result.Attributes, attr)
	}
	app.renderXML(w, resp)
}

type listQueuesResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		QueueURLs []string `xml:"QueueUrl"`
	} `xml:"ListQueuesResult"`
}

func (app *App) listQueues(w http.ResponseWriter, r *http.Request, region string) {
	queues, err := app.Store.ListQueues(r.Context(), region, app.Cfg.Identity.AccountID)
	if err != nil {
		app.renderError(w, err)
		return
	}
	var resp listQueuesResponse
	for _, q := range queues {
		resp.Result.QueueURLs = append(resp.Result.QueueURLs, queueURL(q))
	}
	app.renderXML(w, resp)
}

type xmlTag struct {
	Key   string `xml:"Key"`
	Value string `xml:"Value"`
}

type listQueueTagsResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct {
		Tags []xmlTag `xml:"Tag"`
	} `xml:"ListQueueTagsResult"`
}

func (app *App) listQueueTags(w http.ResponseWriter, r *http.Request, params Params, region string) {
	q, err := app.queueFromURL(r, region, params.Get("QueueUrl"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	var resp listQueueTagsResponse
	for k, v := range q.Tags {
		resp.Result.Tags = append(resp.Result.Tags, xmlTag{k, v})
	}
	app.renderXML(w, resp)
}

type tagQueueResponse struct {
	XMLName xml.Name `xml:"Result"`
	Result  struct{} `xml:"TagQueueResult"`
}

func (app *App) tagQueue(w http.ResponseWriter, r *http.Request, params Params, region string) {
	q, err := app.queueFromURL(r, region, params.Get("QueueUrl"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	tags := params.PairMap("Tag.", ".Key", ".Value")
	err = app.Store.UpdateQueue(r.Context(), q.ID, func(q *models.Queue) {
		for k, v := range tags {
			q.Tags[k] = v
		}
	})
	if err != nil {
		app.renderError(w, err)
		return
	}
	app.renderXML(w, tagQueueResponse{})
}

// --- data plane ---

func sendInputFromParams(params Params) (service.SendInput, error) {
	attrs, err := params.MessageAttributes("MessageAttribute.")
	if err != nil {
		return service.SendInput{}, err
	}
	sysAttrs, err := params.MessageAttributes("MessageSystemAttribute.")
	if err != nil {
		return service.SendInput{}, err
	}
	in := service.SendInput{
		Body:             params.Get("MessageBody"),
		GroupID:          params.Get("MessageGroupId"),
		DedupID:          params.Get("MessageDeduplicationId"),
		Attributes:       attrs,
		SystemAttributes: sysAttrs,
	}
	if params.Has("DelaySeconds") {
		delay, err := strconv.Atoi(params.Get("DelaySeconds"))
		if err != nil {
			return service.SendInput{}, &service.Error{
				Code:    service.CodeInvalidParameter,
				Message: "DelaySeconds must be an integer",
			}
		}
		in.DelaySeconds = &delay
	}
	return in, nil
}

type sendMessageResponse struct {
	XMLName xml.Name `xml:"SendMessageResponse"`
	Result  struct {
		MessageID        string `xml:"MessageId"`
		MD5OfMessageBody string `xml:"MD5OfMessageBody"`
	} `xml:"SendMessageResult"`
}

func (app *App) sendMessage(w http.ResponseWriter, r *http.Request, params Params, region string) {
	q, err := app.queueFromURL(r, region, params.Get("QueueUrl"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	in, err := sendInputFromParams(params)
	if err != nil {
		app.renderError(w, err)
		return
	}
	m, err := app.Queues.Send(r.Context(), q, in)
	if err != nil {
		app.renderError(w, err)
		return
	}
	var resp sendMessageResponse
	resp.Result.MessageID = m.ID
	resp.Result.MD5OfMessageBody = md5hex(m.Body)
	app.renderXML(w, resp)
}

type sendMessageBatchResultEntry struct {
	ID               string `xml:"Id"`
	MessageID        string `xml:"MessageId"`
	MD5OfMessageBody string `xml:"MD5OfMessageBody"`
}

type batchResultErrorEntry struct {
	ID          string `xml:"Id"`
	Code        string `xml:"Code"`
	Message     string `xml:"Message"`
	SenderFault bool   `xml:"SenderFault"`
}

type sendMessageBatchResponse struct {
	XMLName xml.Name `xml:"SendMessageBatchResponse"`
	Result  struct {
		Successful []sendMessageBatchResultEntry `xml:"SendMessageBatchResultEntry"`
		Failed     []batchResultErrorEntry       `xml:"BatchResultErrorEntry"`
	} `xml:"SendMessageBatchResult"`
}

func (app *App) sendMessageBatch(w http.ResponseWriter, r *http.Request, params Params, region string) {
	q, err := app.queueFromURL(r, region, params.Get("QueueUrl"))
	if err != nil {
		app.renderError(w, err)
		return
	}

	var resp sendMessageBatchResponse
	for _, entry := range params.IndexedGroups("SendMessageBatchRequestEntry.", ".Id") {
		entryID := entry.Get("Id")
		in, err := sendInputFromParams(entry)
		var m *models.QueueMessage
		if err == nil {
			m, err = app.Queues.Send(r.Context(), q, in)
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
		resp.Result.Successful = append(resp.Result.Successful, sendMessageBatchResultEntry{
			ID:               entryID,
			MessageID:        m.ID,
			MD5OfMessageBody: md5hex(m.Body),
		})
	}
	app.renderXML(w, resp)
}

type xmlMessageAttribute struct {
	Name        string `xml:"Name"`
	DataType    string `xml:"Value>DataType"`
	StringValue string `xml:"Value>StringValue,omitempty"`
	BinaryValue string `xml:"Value>BinaryValue,omitempty"`
}

type xmlMessage struct {
	MessageID         string                `xml:"MessageId"`
	ReceiptHandle     string                `xml:"ReceiptHandle"`
	MD5OfBody         string                `xml:"MD5OfBody"`
	Body              string                `xml:"Body"`
	MessageAttributes []xmlMessageAttribute `xml:"MessageAttribute"`
	Attributes        []xmlAttribute        `xml:"Attribute"`
}

type receiveMessageResponse struct {
	XMLName xml.Name `xml:"Response"`
	Result  struct {
		Messages []xmlMessage `xml:"Message"`
	} `xml:"ReceiveMessageResult"`
}

func (app *App) receiveMessage(w http.ResponseWriter, r *http.Request, params Params, region string) {
	q, err := app.queueFromURL(r, region, params.Get("QueueUrl"))
	if err != nil {
		if err == store.ErrQueueDoesNotExist {
			// Slow down pollers of queues that do not exist, otherwise a
			// misconfigured consumer hammers us in a tight retry loop.
			delay := 5*time.Second + time.Duration(rand.Int63n(int64(5*time.Second)))
			select {
			case <-r.Context().Done():
			case <-time.After(delay):
			}
		}
		app.renderError(w, err)
		return
	}

	maxMsgs := 1
	if params.Has("MaxNumberOfMessages") {
		if maxMsgs, err = strconv.Atoi(params.Get("MaxNumberOfMessages")); err != nil {
			app.renderError(w, &service.Error{Code: service.CodeInvalidParameter, Message: "MaxNumberOfMessages must be an integer"})
			return
		}
	}
	waitSeconds := q.Config.ReceiveMessageWaitTimeSeconds
	if params.Has("WaitTimeSeconds") {
		if waitSeconds, err = strconv.Atoi(params.Get("WaitTimeSeconds")); err != nil {
			app.renderError(w, &service.Error{Code: service.CodeInvalidParameter, Message: "WaitTimeSeconds must be an integer"})
			return
		}
	}

	deliveries, err := app.Queues.ReceiveWait(r.Context(), q, maxMsgs,
		time.Duration(q.Config.VisibilityTimeout)*time.Second,
		time.Duration(waitSeconds)*time.Second)
	if err != nil {
		app.renderError(w, err)
		return
	}

	var resp receiveMessageResponse
	for _, d := range deliveries {
		m := d.Message
		xm := xmlMessage{
			MessageID:     m.ID,
			ReceiptHandle: d.ReceiptHandle,
			MD5OfBody:     md5hex(m.Body),
			Body:          m.Body,
		}
		for name, attr := range m.Attributes {
			xa := xmlMessageAttribute{Name: name, DataType: attr.DataType}
			if attr.DataType == "Binary" {
				xa.BinaryValue = base64.StdEncoding.EncodeToString(attr.BinaryValue)
			} else {
				xa.StringValue = attr.StringValue
			}
			xm.MessageAttributes = append(xm.MessageAttributes, xa)
		}
		xm.Attributes = []xmlAttribute{
			{"SenderId", app.Cfg.Identity.AccountID},
			{"SentTimestamp", strconv.FormatInt(m.CreatedAt.UnixMilli(), 10)},
			{"ApproximateReceiveCount", strconv.Itoa(m.TotalDeliveries)},
		}
		if m.FirstDeliveredAt != nil {
			xm.Attributes = append(xm.Attributes, xmlAttribute{
				"ApproximateFirstReceiveTimestamp",
				strconv.FormatInt(m.FirstDeliveredAt.UnixMilli(), 10),
			})
		}
		resp.Result.Messages = append(resp.Result.Messages, xm)
	}
	app.renderXML(w, resp)
}

type emptyResponse struct {
	XMLName xml.Name `xml:"Response"`
}

func (app *App) deleteMessage(w http.ResponseWriter, r *http.Request, params Params, region string) {
	q, err := app.queueFromURL(r, region, params.Get("QueueUrl"))
	if err != nil {
		app.renderError(w, err)
		return
	}
	if err := app.Queues.Delete(r.Context(), q, params.Get("ReceiptHandle")); err != nil {
		app.renderError(w, err)
		return
	}
	app.renderXML(w, emptyResponse{})
}

type deleteMessageBatchResponse struct {
	XMLName xml.Name `xml:"Response"`
	Result  struct {
		Successful []struct {
			ID string `xml:"Id"`
		} `xml:"DeleteMessageBatchResultEntry"`
		Failed []batchResultErrorEntry `xml:"BatchResultErrorEntry"`
	} `xml:"DeleteMessageBatchResult"`
}

func (app *App) deleteMessageBatch(w http.ResponseWriter, r *http.Request, params Params, region string) {
	q, err := app.queueFromURL(r, region, params.Get("QueueUrl"))
	if err != nil {
		app.renderError(w, err)
		return
	}

	var resp deleteMessageBatchResponse
	for _, entry := range params.IndexedGroups("DeleteMessageBatchRequestEntry.", ".Id") {
		entryID := entry.Get("Id")
		if err := app.Queues.Delete(r.Context(), q, entry.Get("ReceiptHandle")); err != nil {
			code, message := wireError(err)
			resp.Result.Failed = append(resp.Result.Failed, batchResultErrorEntry{
				ID:          entryID,
				Code:        code,
				Message:     message,
				SenderFault: true,
			})
			continue
		}
		resp.Result.Successful = append(resp.Result.Successful, struct {
			ID string `xml:"Id"`
		}{entryID})
	}
	app.renderXML(w, resp)
}
