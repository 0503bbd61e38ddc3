package search

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"pinboard/api/internal/store"
)

const idxUsers = "pinboard_users"

// userDocument is the indexed shape of a mentionable user. Meilisearch ids
// may not contain '@' or '.', so the id is a hash of the email.
type userDocument struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
	IsMentionable bool   `json:"isMentionable"`
}

func documentID(email string) string {
	sum := sha1.Sum([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}

func toDocument(user store.User) userDocument {
	return userDocument{
		ID:            documentID(user.Email),
		Email:         user.Email,
		FirstName:     user.FirstName,
		LastName:      user.LastName,
		AvatarURL:     user.AvatarURL,
		IsMentionable: user.IsMentionable,
	}
}

// Meili searches mentionable users through Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the users index.
// The client starts unhealthy when the first health check fails and recovers
// through the background health loop.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxUsers,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", idxUsers), zap.Error(err))
	}

	index := m.client.Index(idxUsers)
	filterable := []interface{}{"isMentionable"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.String("index", idxUsers), zap.Error(err))
	}
	searchable := []string{"firstName", "lastName", "email"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.String("index", idxUsers), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) SearchUsers(prefix string, limit int) ([]store.User, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxUsers,
			Query:    prefix,
			Limit:    int64(limit),
			Filter:   "isMentionable = true",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	users := make([]store.User, 0)
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			users = append(users, hitToUser(hit))
		}
	}
	return users, nil
}

func hitToUser(hit meili.Hit) store.User {
	return store.User{
		Email:         decodeString(hit, "email"),
		FirstName:     decodeString(hit, "firstName"),
		LastName:      decodeString(hit, "lastName"),
		AvatarURL:     decodeString(hit, "avatarUrl"),
		IsMentionable: true,
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexUsers adds or updates users in the index.
func (m *Meili) IndexUsers(users []store.User) error {
	if len(users) == 0 {
		return nil
	}
	documents := make([]userDocument, 0, len(users))
	for _, user := range users {
		documents = append(documents, toDocument(user))
	}
	_, err := m.client.Index(idxUsers).AddDocuments(documents, nil)
	return err
}

// DeleteUser removes one user from the index.
func (m *Meili) DeleteUser(email string) error {
	_, err := m.client.Index(idxUsers).DeleteDocument(documentID(email), nil)
	return err
}
