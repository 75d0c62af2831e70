package bus

// Topic names. Producers key messages so that one point's samples stay on
// one partition.
const (
	TopicRawSamples         = "datapoints.raw"
	TopicBehavior           = "points.behavior"
	TopicCorrelationsUpdate = "correlations.updated"
	TopicClustersCreated    = "clusters.created"
	TopicSuggestionsCreated = "suggestions.created"
	TopicPatternsFeedback   = "patterns.feedback"
	TopicPatternsUpdated    = "patterns.updated"
	TopicDLQ                = "datapoints.dlq"
)

// AllTopics lists every topic the pipeline creates at startup.
var AllTopics = []string{
	TopicRawSamples,
	TopicBehavior,
	TopicCorrelationsUpdate,
	TopicClustersCreated,
	TopicSuggestionsCreated,
	TopicPatternsFeedback,
	TopicPatternsUpdated,
	TopicDLQ,
}
