package topics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/autopoiesis-io/autopoiesis/pkg/config"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// defaultCacheTTL bounds how long a topic file read is reused.
const defaultCacheTTL = 1 * time.Minute

// Provider resolves topic context for work items: every configured topic is
// standing context, and an item's topic_ref adds one more, either a
// configured topic by name or a file under the topics directory.
type Provider struct {
	cfg    config.TopicsConfig
	cache  *Cache
	logger *slog.Logger
}

// NewProvider builds a provider over the topics configuration.
func NewProvider(cfg config.TopicsConfig) *Provider {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Provider{
		cfg:    cfg,
		cache:  NewCache(ttl),
		logger: slog.Default().With("component", "topics"),
	}
}

// ActiveFor returns the configured topics plus the one topicRef names.
// Configured topics come back in name order so repeated resolution is stable.
func (p *Provider) ActiveFor(topicRef string) ([]models.Topic, error) {
	names := make([]string, 0, len(p.cfg.Topics))
	for name := range p.cfg.Topics {
		names = append(names, name)
	}
	sort.Strings(names)

	topics := make([]models.Topic, 0, len(names)+1)
	for _, name := range names {
		topic, err := p.materialise(name, p.cfg.Topics[name])
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}

	if topicRef != "" {
		if _, configured := p.cfg.Topics[topicRef]; !configured {
			topic, err := p.resolveRef(topicRef)
			if err != nil {
				return nil, err
			}
			topics = append(topics, topic)
		}
	}
	return topics, nil
}

// materialise turns one configured topic into its injectable form, reading
// the backing file when the instructions are not inline.
func (p *Provider) materialise(name string, tc config.TopicConfig) (models.Topic, error) {
	priority := models.PriorityNormal
	if tc.Priority != "" {
		priority = models.Priority(tc.Priority)
		if !priority.IsValid() {
			return models.Topic{}, fmt.Errorf("topic %q has invalid priority %q", name, tc.Priority)
		}
	}

	instructions := tc.Instructions
	if instructions == "" && tc.File != "" {
		content, err := p.readTopicFile(tc.File)
		if err != nil {
			return models.Topic{}, fmt.Errorf("topic %q: %w", name, err)
		}
		instructions = content
	}
	if strings.TrimSpace(instructions) == "" {
		return models.Topic{}, fmt.Errorf("topic %q has no instructions", name)
	}

	return models.Topic{Name: name, Priority: priority, Instructions: instructions}, nil
}

// resolveRef resolves a topic_ref that names no configured topic by looking
// for a file of that name (or name.md) under the topics directory.
func (p *Provider) resolveRef(ref string) (models.Topic, error) {
	if p.cfg.Dir == "" {
		return models.Topic{}, fmt.Errorf("unknown topic ref %q", ref)
	}
	for _, candidate := range []string{ref, ref + ".md"} {
		content, err := p.readTopicFile(candidate)
		if err == nil {
			return models.Topic{Name: ref, Priority: models.PriorityNormal, Instructions: content}, nil
		}
	}
	return models.Topic{}, fmt.Errorf("unknown topic ref %q: no configured topic or file under %s", ref, p.cfg.Dir)
}

// readTopicFile loads a file relative to the topics directory through the
// TTL cache. Names that would escape the directory are rejected.
func (p *Provider) readTopicFile(name string) (string, error) {
	if p.cfg.Dir == "" {
		return "", fmt.Errorf("topic file %q requires a topics directory", name)
	}
	full := filepath.Clean(filepath.Join(p.cfg.Dir, name))
	root := filepath.Clean(p.cfg.Dir)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("topic file %q escapes the topics directory", name)
	}

	if content, ok := p.cache.Get(full); ok {
		return content, nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read topic file: %w", err)
	}
	content := string(data)
	p.cache.Set(full, content)
	return content, nil
}
