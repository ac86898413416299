package history

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

const topicHeader = "Active topic context:"

// TopicInjector prepends the resolved topic instructions ahead of the
// conversation, critical topics first. The worker resolves topics per work
// item and hands the final list in, so this stage stays free of provider
// plumbing.
type TopicInjector struct {
	topics []models.Topic
}

// NewTopicInjector builds the stage over an already-resolved topic list.
func NewTopicInjector(topics []models.Topic) *TopicInjector {
	return &TopicInjector{topics: topics}
}

func (t *TopicInjector) Name() string { return "topics" }

// Process strips the previous topic message and prepends a fresh one when
// any topics are active.
func (t *TopicInjector) Process(ctx context.Context, messages []models.Message) ([]models.Message, error) {
	out := stripOrigin(messages, models.OriginTopicContext)
	if len(t.topics) == 0 {
		return out, nil
	}

	ordered := make([]models.Topic, len(t.topics))
	copy(ordered, t.topics)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority.Weight() > ordered[j].Priority.Weight()
	})

	var b strings.Builder
	b.WriteString(topicHeader)
	for _, topic := range ordered {
		fmt.Fprintf(&b, "\n\n### %s (%s)\n%s", topic.Name, topic.Priority, topic.Instructions)
	}

	msg := models.Message{
		Role:    models.RoleUser,
		Content: b.String(),
		Origin:  models.OriginTopicContext,
	}
	return append([]models.Message{msg}, out...), nil
}
