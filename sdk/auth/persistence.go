package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/idkit-io/idkit/internal/keystore"
)

// sessionRecordKind namespaces session records in the secure store per
// client id.
const sessionRecordKind = "session"

// sessionSchemaVersion guards the persisted record layout. Records with an
// unknown version are skipped on load rather than half-parsed.
const sessionSchemaVersion = 1

type sessionRecord struct {
	Version int         `json:"version"`
	Data    SessionData `json:"data"`
}

func (m *Manager) sessionKey(userID int64) keystore.Key {
	return keystore.Key{
		Service: keystore.ServiceFor(sessionRecordKind, m.cfg.ClientID),
		Account: strconv.FormatInt(userID, 10),
	}
}

// persistSession schedules a write-through of the session's current data.
// Storage failures are soft: the in-memory state stays authoritative and a
// later mutation retries the write.
func (m *Manager) persistSession(ctx context.Context, s *Session) {
	data := s.Data()
	raw, err := json.Marshal(sessionRecord{Version: sessionSchemaVersion, Data: data})
	if err != nil {
		log.WithError(err).WithField("user", data.ID).Error("auth: marshal session record failed")
		return
	}
	if err = m.store.Put(ctx, m.sessionKey(data.ID), raw); err != nil {
		log.WithError(err).WithField("user", data.ID).Warn("auth: session write-through failed")
	}
}

// removePersisted deletes a session record. A missing record is not an error.
func (m *Manager) removePersisted(ctx context.Context, userID int64) {
	err := m.store.Delete(ctx, m.sessionKey(userID))
	if err != nil && !errors.Is(err, keystore.ErrItemNotFound) {
		log.WithError(err).WithField("user", userID).Warn("auth: session record delete failed")
	}
}

// loadPersistedData reads and decodes every stored session record.
func (m *Manager) loadPersistedData(ctx context.Context) ([]SessionData, error) {
	items, err := m.store.GetAll(ctx, keystore.ServiceFor(sessionRecordKind, m.cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("idkit auth: load persisted sessions failed: %w", err)
	}
	out := make([]SessionData, 0, len(items))
	for _, item := range items {
		if version := gjson.GetBytes(item.Value, "version").Int(); version != sessionSchemaVersion {
			log.Warnf("auth: skipping session record %s with schema version %d", item.Key.Account, version)
			continue
		}
		var record sessionRecord
		if errUnmarshal := json.Unmarshal(item.Value, &record); errUnmarshal != nil {
			log.WithError(errUnmarshal).Warnf("auth: skipping undecodable session record %s", item.Key.Account)
			continue
		}
		if record.Data.ID == 0 {
			continue
		}
		out = append(out, record.Data)
	}
	return out, nil
}
