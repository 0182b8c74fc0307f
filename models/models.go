// Package models contains the persisted data structures shared by the store,
// the engines, and the wire handlers. Queues, messages, topics and
// subscriptions are stored as JSON documents keyed by globally unique ids.
package models

import "time"

// Lifecycle is the delivery state of a queue message.
type Lifecycle string

const (
	// LifecycleWaiting means the message has never been handed to a consumer
	// (it may still be delayed and not yet visible).
	LifecycleWaiting Lifecycle = "Waiting"
	// LifecycleDelivered means the message has been handed out at least once
	// and is hidden until its visibility timeout expires.
	LifecycleDelivered Lifecycle = "Delivered"
	// LifecycleDeleted means a consumer acknowledged the message.
	LifecycleDeleted Lifecycle = "Deleted"
)

// AttributeValue is a single message attribute. Only String and Binary data
// types are supported on the wire.
type AttributeValue struct {
	DataType    string `json:"dataType"`
	StringValue string `json:"stringValue,omitempty"`
	BinaryValue []byte `json:"binaryValue,omitempty"`
}

// QueueConfig mirrors the settable SQS queue attributes.
type QueueConfig struct {
	Policy                        string `json:"Policy"`
	RedrivePolicy                 string `json:"RedrivePolicy"`
	DelaySeconds                  int    `json:"DelaySeconds"`
	MaximumMessageSize            int    `json:"MaximumMessageSize"`
	MessageRetentionPeriod        int    `json:"MessageRetentionPeriod"`
	ReceiveMessageWaitTimeSeconds int    `json:"ReceiveMessageWaitTimeSeconds"`
	VisibilityTimeout             int    `json:"VisibilityTimeout"`
	FifoQueue                     bool   `json:"FifoQueue"`
	ContentBasedDeduplication     bool   `json:"ContentBasedDeduplication"`
}

// Queue is a message queue, keyed by its ARN.
type Queue struct {
	ID         string            `json:"id"` // ARN
	Region     string            `json:"region"`
	AccountID  string            `json:"accountId"`
	Name       string            `json:"name"`
	Tags       map[string]string `json:"tags"`
	CreatedAt  time.Time         `json:"createdAt"`
	ModifiedAt time.Time         `json:"modifiedAt"`

	// Denormalized counters, refreshed by the depth aggregator. Stale between
	// sweeps; reads must tolerate that.
	MessagesActive     int `json:"messagesActive"`
	MessagesVisible    int `json:"messagesVisible"`
	MessagesDelayed    int `json:"messagesDelayed"`
	MessagesNotVisible int `json:"messagesNotVisible"`

	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`

	Config QueueConfig `json:"config"`
}

// QueueMessage is one message on one queue.
//
// VisibleAfter is always set except after deletion; the message is eligible
// for receive iff VisibleAfter is in the past. TotalDeliveries counts
// successful receives and never decreases; receipt handles embed the value
// observed at delivery time so a later delete can detect redelivery.
type QueueMessage struct {
	ID         string    `json:"id"`
	QueueID    string    `json:"queueId"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`

	Lifecycle        Lifecycle  `json:"lifecycle"`
	FirstDeliveredAt *time.Time `json:"firstDeliveredAt,omitempty"`
	LastDeliveredAt  *time.Time `json:"lastDeliveredAt,omitempty"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
	VisibleAfter     *time.Time `json:"visibleAfter,omitempty"`
	TotalDeliveries  int        `json:"totalDeliveries"`

	Body             string                    `json:"body"`
	DelaySeconds     int                       `json:"delaySeconds"`
	GroupID          string                    `json:"groupId,omitempty"`
	DedupID          string                    `json:"dedupId,omitempty"`
	Attributes       map[string]AttributeValue `json:"attributes"`
	SystemAttributes map[string]AttributeValue `json:"systemAttributes"`
}

// TopicConfig mirrors the settable SNS topic attributes.
type TopicConfig struct {
	DisplayName                          string `json:"DisplayName"`
	Policy                               string `json:"Policy"`
	EffectiveDeliveryPolicy              string `json:"EffectiveDeliveryPolicy"`
	LambdaSuccessFeedbackSampleRate      int    `json:"LambdaSuccessFeedbackSampleRate"`
	FirehoseSuccessFeedbackSampleRate    int    `json:"FirehoseSuccessFeedbackSampleRate"`
	SQSSuccessFeedbackSampleRate         int    `json:"SQSSuccessFeedbackSampleRate"`
	HTTPSuccessFeedbackSampleRate        int    `json:"HTTPSuccessFeedbackSampleRate"`
	ApplicationSuccessFeedbackSampleRate int    `json:"ApplicationSuccessFeedbackSampleRate"`
	FifoTopic                            bool   `json:"FifoTopic"`
	ContentBasedDeduplication            bool   `json:"ContentBasedDeduplication"`
}

// Topic is a notification topic, keyed by its ARN.
type Topic struct {
	ID         string            `json:"id"` // ARN
	Region     string            `json:"region"`
	AccountID  string            `json:"accountId"`
	Name       string            `json:"name"`
	Tags       map[string]string `json:"tags"`
	CreatedAt  time.Time         `json:"createdAt"`
	ModifiedAt time.Time         `json:"modifiedAt"`

	Config TopicConfig `json:"config"`
}

// EndpointProtocol tags the delivery variant of a subscription endpoint.
// Only queue delivery is implemented; new protocols are added as new
// variants without touching the fan-out loop.
type EndpointProtocol string

// EndpointQueue delivers into a local queue via the queue engine.
const EndpointQueue EndpointProtocol = "sqs"

// SubscriptionEndpoint is the tagged delivery target of a subscription.
type SubscriptionEndpoint struct {
	Protocol EndpointProtocol `json:"protocol"`
	QueueID  string           `json:"queueId,omitempty"`
}

// SubscriptionConfig holds per-subscription delivery options.
type SubscriptionConfig struct {
	// RawMessageDelivery delivers the bare message body instead of the
	// JSON notification envelope.
	RawMessageDelivery bool `json:"RawMessageDelivery"`
}

// TopicSubscription attaches an endpoint to a topic.
type TopicSubscription struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	TopicID    string    `json:"topicId"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`

	Endpoint SubscriptionEndpoint `json:"endpoint"`

	PendingConfirmation          bool `json:"pendingConfirmation"`
	ConfirmationWasAuthenticated bool `json:"confirmationWasAuthenticated"`

	Config SubscriptionConfig `json:"config"`
}

// TopicMessage is one published message on one topic.
//
// UndeliveredTo is snapshotted from the topic's subscriptions at publish
// time; DeliveredTo fills in as the fan-out engine succeeds per subscriber.
// Their union stays equal to the snapshot; subscriptions created after
// publish never receive the message.
type TopicMessage struct {
	ID         string    `json:"id"`
	TopicID    string    `json:"topicId"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`

	UndeliveredTo   []string   `json:"undeliveredTo"`
	DeliveredTo     []string   `json:"deliveredTo"`
	LastDeliveredAt *time.Time `json:"lastDeliveredAt,omitempty"`

	Subject          string                    `json:"subject,omitempty"`
	Body             string                    `json:"body"`
	GroupID          string                    `json:"groupId,omitempty"`
	DedupID          string                    `json:"dedupId,omitempty"`
	Attributes       map[string]AttributeValue `json:"attributes"`
	MessageStructure string                    `json:"messageStructure,omitempty"`
}
