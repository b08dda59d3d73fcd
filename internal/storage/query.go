package storage

import (
	"time"

	sq "github.com/Masterminds/squirrel"

	"courier/internal/message"
)

const (
	messagesTable = "scheduled_messages"
	leasesTable   = "leases"
)

var messageColumns = []string{
	"id", "owner_id", "channel_id", "recipients", "subject", "body", "html_body",
	"scheduled_for", "status", "retry_count", "max_retries", "last_error",
	"executed_at", "created_at", "updated_at",
}

// queries builds the SQL shared by the sqlite and postgres drivers. The
// drivers differ only in placeholder format and in how they encode values.
type queries struct {
	sb sq.StatementBuilderType
	ts func(time.Time) any                    // timestamp encoding
	rc func(recipients []string) (any, error) // recipients encoding
}

func (q queries) insert(m *message.ScheduledMessage) (string, []any, error) {
	recipients, err := q.rc(m.Recipients)
	if err != nil {
		return "", nil, err
	}
	return q.sb.Insert(messagesTable).
		Columns(messageColumns...).
		Values(
			m.ID, m.OwnerID, m.ChannelID, recipients, m.Subject, m.Body, nullStr(m.HTMLBody),
			q.ts(m.ScheduledFor), string(m.Status), m.RetryCount, m.MaxRetries, nullStr(m.LastError),
			q.nullTS(m.ExecutedAt), q.ts(m.CreatedAt), q.ts(m.UpdatedAt),
		).
		ToSql()
}

func (q queries) byID(id string) sq.SelectBuilder {
	return q.sb.Select(messageColumns...).From(messagesTable).Where(sq.Eq{"id": id})
}

func (q queries) list(ownerID string, f message.ListFilter) sq.SelectBuilder {
	sel := q.sb.Select(messageColumns...).From(messagesTable).Where(sq.Eq{"owner_id": ownerID})
	if f.Status != "" {
		sel = sel.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.ChannelID != "" {
		sel = sel.Where(sq.Eq{"channel_id": f.ChannelID})
	}
	return sel.OrderBy("scheduled_for ASC", "id ASC")
}

func (q queries) due(now time.Time, limit int) sq.SelectBuilder {
	if limit <= 0 {
		limit = DefaultDueLimit
	}
	return q.sb.Select(messageColumns...).
		From(messagesTable).
		Where(sq.Eq{"status": string(message.StatusPending)}).
		Where(sq.LtOrEq{"scheduled_for": q.ts(now)}).
		OrderBy("scheduled_for ASC", "id ASC").
		Limit(uint64(limit))
}

func (q queries) setStatus(id string, status message.Status, upd message.StatusUpdate, now time.Time) sq.UpdateBuilder {
	u := q.sb.Update(messagesTable).
		Set("status", string(status)).
		Set("updated_at", q.ts(now))
	if upd.RetryCount != nil {
		u = u.Set("retry_count", *upd.RetryCount)
	}
	if upd.LastError != nil {
		if *upd.LastError == "" {
			u = u.Set("last_error", nil)
		} else {
			u = u.Set("last_error", *upd.LastError)
		}
	}
	if upd.ExecutedAt != nil {
		u = u.Set("executed_at", q.ts(*upd.ExecutedAt))
	}
	return u.Where(sq.Eq{"id": id})
}

func (q queries) patchContent(id string, patch message.ContentPatch, now time.Time) sq.UpdateBuilder {
	u := q.sb.Update(messagesTable).Set("updated_at", q.ts(now))
	if patch.ScheduledFor != nil {
		u = u.Set("scheduled_for", q.ts(*patch.ScheduledFor))
	}
	if patch.Subject != nil {
		u = u.Set("subject", *patch.Subject)
	}
	if patch.Body != nil {
		u = u.Set("body", *patch.Body)
	}
	return u.Where(sq.Eq{"id": id, "status": string(message.StatusPending)})
}

func (q queries) deleteAged(statuses []string, olderThan time.Time) sq.DeleteBuilder {
	return q.sb.Delete(messagesTable).
		Where(sq.Eq{"status": statuses}).
		Where(sq.Lt{"created_at": q.ts(olderThan)})
}

// acquireLease is an upsert that only overwrites an expired lease or one held by the same holder.
func (q queries) acquireLease(name, holder string, now time.Time, ttl time.Duration) (string, []any, error) {
	return q.sb.Insert(leasesTable).
		Columns("name", "holder", "expires_at").
		Values(name, holder, q.ts(now.Add(ttl))).
		Suffix(
			"ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at "+
				"WHERE "+leasesTable+".expires_at < ? OR "+leasesTable+".holder = excluded.holder",
			q.ts(now),
		).
		ToSql()
}

func (q queries) releaseLease(name, holder string) sq.DeleteBuilder {
	return q.sb.Delete(leasesTable).Where(sq.Eq{"name": name, "holder": holder})
}

func (q queries) nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return q.ts(*t)
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
