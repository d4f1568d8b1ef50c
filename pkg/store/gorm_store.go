package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 73217322

// createAttempts bounds retries when the one-active-session index rejects a
// concurrent create or resume.
const createAttempts = 3

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

func gormConfig() *gorm.Config {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return &gorm.Config{Logger: gormLog, TranslateError: true}
}

// NewGormStore opens Postgres and runs auto-migrations under an advisory
// lock so concurrent replicas migrate once.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := migrate(tx); err != nil {
			return err
		}
		return ensureSessionForeignKeys(tx)
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewSQLiteStore opens (creating if needed) the SQLite file at path. All
// access goes through one connection, so transactions never contend for the
// write lock and row locking clauses are unnecessary.
func NewSQLiteStore(path string) (*GormStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&SessionModel{}, &DraftModel{}, &MessageModel{}, &ArgumentModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_session_one_active
		ON session_models (user_id) WHERE status = 'active'
	`).Error; err != nil {
		return fmt.Errorf("ensure one active session index: %w", err)
	}
	return nil
}

// ensureSessionForeignKeys adds cascading session foreign keys on Postgres.
// DeleteSession removes children explicitly, so SQLite goes without.
func ensureSessionForeignKeys(tx *gorm.DB) error {
	if err := tx.Exec(`
		DO $$
		BEGIN
			DELETE FROM draft_models d
			WHERE NOT EXISTS (SELECT 1 FROM session_models s WHERE s.id = d.session_id);
			DELETE FROM message_models m
			WHERE NOT EXISTS (SELECT 1 FROM session_models s WHERE s.id = m.session_id);
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'draft_models'
				AND constraint_name = 'draft_models_session_id_fkey'
			) THEN
				ALTER TABLE draft_models
				ADD CONSTRAINT draft_models_session_id_fkey
				FOREIGN KEY (session_id) REFERENCES session_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'message_models'
				AND constraint_name = 'message_models_session_id_fkey'
			) THEN
				ALTER TABLE message_models
				ADD CONSTRAINT message_models_session_id_fkey
				FOREIGN KEY (session_id) REFERENCES session_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure session foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateSession pauses the user's active session, if any, and inserts the new
// session with its draft and optional greeting in one transaction.
func (s *GormStore) CreateSession(ctx context.Context, session domain.ChatSession, draft domain.ArgumentDraft, greeting *domain.ChatMessage) ([]string, error) {
	sessionModel, err := sessionToModel(session)
	if err != nil {
		return nil, err
	}
	draftModel := draftToModel(draft)
	var messageModel *MessageModel
	if greeting != nil {
		m, err := messageToModel(*greeting)
		if err != nil {
			return nil, err
		}
		m.SessionID = session.ID
		m.Seq = 1
		sessionModel.MessageSeq = 1
		messageModel = &m
	}

	var paused []string
	err = s.retryOnDuplicate(ctx, func(tx *gorm.DB) error {
		ids, err := pauseActive(tx, session.UserID, "", session.CreatedAt)
		if err != nil {
			return err
		}
		paused = ids
		if err := tx.Create(&sessionModel).Error; err != nil {
			return err
		}
		if err := tx.Create(&draftModel).Error; err != nil {
			return err
		}
		if messageModel != nil {
			if err := tx.Create(messageModel).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return paused, nil
}

// ActivateSession resumes a paused session, pausing whichever session is
// active for the user.
func (s *GormStore) ActivateSession(ctx context.Context, userID, sessionID string, at time.Time) ([]string, error) {
	var paused []string
	err := s.retryOnDuplicate(ctx, func(tx *gorm.DB) error {
		paused = nil
		target, err := lockSession(tx, sessionID)
		if err != nil {
			return err
		}
		if target.UserID != userID {
			return ErrNotFound
		}
		switch domain.SessionStatus(target.Status) {
		case domain.SessionActive:
			return nil
		case domain.SessionCompleted:
			return ErrStateConflict
		}
		ids, err := pauseActive(tx, userID, sessionID, at)
		if err != nil {
			return err
		}
		paused = ids
		res := tx.Model(&SessionModel{}).
			Where("id = ? AND status = ?", sessionID, string(domain.SessionPaused)).
			Updates(map[string]any{"status": string(domain.SessionActive), "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateConflict
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	return paused, nil
}

func (s *GormStore) retryOnDuplicate(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < createAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrStateConflict, err)
}

func pauseActive(tx *gorm.DB, userID, exceptID string, at time.Time) ([]string, error) {
	var active []SessionModel
	q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("user_id = ? AND status = ?", userID, string(domain.SessionActive))
	if exceptID != "" {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Find(&active).Error; err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(active))
	for _, m := range active {
		ids = append(ids, m.ID)
	}
	if err := tx.Model(&SessionModel{}).Where("id IN ?", ids).
		Updates(map[string]any{"status": string(domain.SessionPaused), "updated_at": at}).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func lockSession(tx *gorm.DB, id string) (SessionModel, error) {
	var m SessionModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionModel{}, ErrNotFound
		}
		return SessionModel{}, err
	}
	return m, nil
}

// GetSession returns one session by ID.
func (s *GormStore) GetSession(ctx context.Context, id string) (domain.ChatSession, bool, error) {
	var model SessionModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChatSession{}, false, nil
		}
		return domain.ChatSession{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// ListSessionsByUser returns a user's sessions, most recently touched first.
func (s *GormStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]domain.ChatSession, error) {
	var models []SessionModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.ChatSession, 0, len(models))
	for _, m := range models {
		items = append(items, sessionFromModel(m))
	}
	return items, nil
}

// DeleteSession removes a session with its draft and messages. The generated
// argument is kept.
func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&DraftModel{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&SessionModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ApplyStepCommit writes a confirm or skip: draft CAS, argument creation or
// sync, cursor move and transition message. Nothing is written unless all of
// it succeeds.
func (s *GormStore) ApplyStepCommit(ctx context.Context, commit domain.StepCommit) (domain.ChatSession, domain.ArgumentDraft, error) {
	var (
		outSession SessionModel
		outDraft   DraftModel
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, commit.SessionID)
		if err != nil {
			return err
		}
		if sess.UserID != commit.UserID {
			return ErrNotFound
		}

		// The version check runs first so a stale writer sees a conflict
		// rather than a moved cursor.
		var draft DraftModel
		if commit.WritesField() {
			col, err := fieldColumn(commit.Field)
			if err != nil {
				return err
			}
			draft, err = casDraft(tx, commit.SessionID, commit.ExpectedVersion, map[string]any{col: commit.Value}, commit.At)
			if err != nil {
				return err
			}
		} else if draft, err = loadDraft(tx, commit.SessionID); err != nil {
			return err
		}
		if sess.Status != string(domain.SessionActive) || sess.CurrentStep != string(commit.FromStep) {
			return ErrStateConflict
		}

		argumentID := ""
		if sess.ArgumentID != nil {
			argumentID = *sess.ArgumentID
		}
		if commit.WritesField() {
			if argumentID == "" {
				if commit.ArgumentID == "" {
					return fmt.Errorf("argument id required for first field of session %s", commit.SessionID)
				}
				argumentID = commit.ArgumentID
				arg := argumentFromDraft(argumentID, draft, commit.At)
				if err := tx.Create(&arg).Error; err != nil {
					return err
				}
			} else if err := syncArgument(tx, commit.SessionID, draft, commit.At); err != nil {
				return err
			}
		}

		progress, err := encodeProgress(coaching.ApplyCommit(decodeProgress(sess.Progress), commit))
		if err != nil {
			return err
		}
		msg, err := messageToModel(commit.Message)
		if err != nil {
			return err
		}
		msg.SessionID = commit.SessionID
		msg.Seq = sess.MessageSeq + 1

		updates := map[string]any{
			"current_step": string(commit.ToStep),
			"progress":     progress,
			"message_seq":  msg.Seq,
			"updated_at":   commit.At,
		}
		if argumentID != "" {
			updates["argument_id"] = argumentID
		}
		res := tx.Model(&SessionModel{}).
			Where("id = ? AND status = ? AND current_step = ?", commit.SessionID, string(domain.SessionActive), string(commit.FromStep)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateConflict
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.First(&outSession, "id = ?", commit.SessionID).Error; err != nil {
			return err
		}
		outDraft = draft
		return nil
	})
	if err != nil {
		return domain.ChatSession{}, domain.ArgumentDraft{}, err
	}
	return sessionFromModel(outSession), draftFromModel(outDraft), nil
}

// MoveCursor relocates the step cursor and records bypassed steps. The draft
// is not touched.
func (s *GormStore) MoveCursor(ctx context.Context, move domain.CursorMove) (domain.ChatSession, error) {
	var out SessionModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, move.SessionID)
		if err != nil {
			return err
		}
		if sess.UserID != move.UserID {
			return ErrNotFound
		}
		if sess.Status == string(domain.SessionCompleted) || sess.CurrentStep != string(move.FromStep) {
			return ErrStateConflict
		}
		progress, err := encodeProgress(coaching.ApplyMove(decodeProgress(sess.Progress), move))
		if err != nil {
			return err
		}
		msg, err := messageToModel(move.Message)
		if err != nil {
			return err
		}
		msg.SessionID = move.SessionID
		msg.Seq = sess.MessageSeq + 1
		res := tx.Model(&SessionModel{}).
			Where("id = ? AND status <> ? AND current_step = ?", move.SessionID, string(domain.SessionCompleted), string(move.FromStep)).
			Updates(map[string]any{
				"current_step": string(move.ToStep),
				"progress":     progress,
				"message_seq":  msg.Seq,
				"updated_at":   move.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateConflict
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		return tx.First(&out, "id = ?", move.SessionID).Error
	})
	if err != nil {
		return domain.ChatSession{}, err
	}
	return sessionFromModel(out), nil
}

// CompleteSession finalizes the session and copies the draft into its
// argument.
func (s *GormStore) CompleteSession(ctx context.Context, completion domain.Completion) (domain.ChatSession, domain.Argument, error) {
	var (
		outSession  SessionModel
		outArgument ArgumentModel
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, completion.SessionID)
		if err != nil {
			return err
		}
		if sess.UserID != completion.UserID {
			return ErrNotFound
		}
		if sess.Status != string(domain.SessionActive) || sess.ArgumentID == nil || *sess.ArgumentID != completion.ArgumentID {
			return ErrStateConflict
		}
		draft, err := loadDraft(tx, completion.SessionID)
		if err != nil {
			return err
		}
		cols := fieldsColumns(draftFields(draft))
		cols["name"] = draft.Name
		cols["completed"] = true
		cols["updated_at"] = completion.At
		if err := tx.Model(&ArgumentModel{}).Where("id = ?", completion.ArgumentID).Updates(cols).Error; err != nil {
			return err
		}
		msg, err := messageToModel(completion.Message)
		if err != nil {
			return err
		}
		msg.SessionID = completion.SessionID
		msg.Seq = sess.MessageSeq + 1
		res := tx.Model(&SessionModel{}).
			Where("id = ? AND status = ?", completion.SessionID, string(domain.SessionActive)).
			Updates(map[string]any{
				"status":       string(domain.SessionCompleted),
				"completed_at": completion.At,
				"message_seq":  msg.Seq,
				"updated_at":   completion.At,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStateConflict
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := tx.First(&outSession, "id = ?", completion.SessionID).Error; err != nil {
			return err
		}
		return tx.First(&outArgument, "id = ?", completion.ArgumentID).Error
	})
	if err != nil {
		return domain.ChatSession{}, domain.Argument{}, err
	}
	return sessionFromModel(outSession), argumentFromModel(outArgument), nil
}

// GetDraft returns the draft of a session.
func (s *GormStore) GetDraft(ctx context.Context, sessionID string) (domain.ArgumentDraft, bool, error) {
	var model DraftModel
	if err := s.db.WithContext(ctx).First(&model, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ArgumentDraft{}, false, nil
		}
		return domain.ArgumentDraft{}, false, err
	}
	return draftFromModel(model), true, nil
}

// UpdateDraft applies patch when the stored version equals expectedVersion.
func (s *GormStore) UpdateDraft(ctx context.Context, sessionID string, expectedVersion int64, patch domain.DraftPatch, at time.Time) (domain.ArgumentDraft, error) {
	cols, err := patchColumns(patch)
	if err != nil {
		return domain.ArgumentDraft{}, err
	}
	var out DraftModel
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		draft, err := casDraft(tx, sessionID, expectedVersion, cols, at)
		if err != nil {
			return err
		}
		if err := syncArgument(tx, sessionID, draft, at); err != nil {
			return err
		}
		out = draft
		return nil
	})
	if err != nil {
		return domain.ArgumentDraft{}, err
	}
	return draftFromModel(out), nil
}

// casDraft is the only draft write path: one conditional UPDATE on version.
func casDraft(tx *gorm.DB, sessionID string, expected int64, cols map[string]any, at time.Time) (DraftModel, error) {
	updates := make(map[string]any, len(cols)+2)
	for k, v := range cols {
		updates[k] = v
	}
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = at
	res := tx.Model(&DraftModel{}).
		Where("session_id = ? AND version = ?", sessionID, expected).
		Updates(updates)
	if res.Error != nil {
		return DraftModel{}, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := loadDraft(tx, sessionID)
		if err != nil {
			return DraftModel{}, err
		}
		return DraftModel{}, &VersionConflictError{Expected: expected, Current: current.Version}
	}
	return loadDraft(tx, sessionID)
}

func loadDraft(tx *gorm.DB, sessionID string) (DraftModel, error) {
	var m DraftModel
	if err := tx.First(&m, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DraftModel{}, ErrNotFound
		}
		return DraftModel{}, err
	}
	return m, nil
}

func syncArgument(tx *gorm.DB, sessionID string, draft DraftModel, at time.Time) error {
	cols := fieldsColumns(draftFields(draft))
	cols["name"] = draft.Name
	cols["updated_at"] = at
	return tx.Model(&ArgumentModel{}).Where("session_id = ?", sessionID).Updates(cols).Error
}

// AppendMessage assigns the next sequence number of the session and stores
// msg.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	model, err := messageToModel(msg)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockSession(tx, msg.SessionID)
		if err != nil {
			return err
		}
		model.Seq = sess.MessageSeq + 1
		if err := tx.Model(&SessionModel{}).Where("id = ?", msg.SessionID).
			Updates(map[string]any{"message_seq": model.Seq, "updated_at": msg.CreatedAt}).Error; err != nil {
			return err
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return messageFromModel(model), nil
}

// ListMessages returns the latest limit messages in sequence order. A
// non-positive limit returns the whole log.
func (s *GormStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	var models []MessageModel
	if limit <= 0 {
		if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
			Order("seq ASC").Find(&models).Error; err != nil {
			return nil, err
		}
		return messagesFromModels(models, false), nil
	}
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("seq DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return messagesFromModels(models, true), nil
}

// GetArgument returns one argument by ID.
func (s *GormStore) GetArgument(ctx context.Context, id string) (domain.Argument, bool, error) {
	var model ArgumentModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Argument{}, false, nil
		}
		return domain.Argument{}, false, err
	}
	return argumentFromModel(model), true, nil
}

func sessionToModel(s domain.ChatSession) (SessionModel, error) {
	progress, err := encodeProgress(s.ArgumentProgress)
	if err != nil {
		return SessionModel{}, err
	}
	var argumentID *string
	if id := strings.TrimSpace(s.GeneratedArgumentID); id != "" {
		argumentID = &id
	}
	return SessionModel{
		ID:          s.ID,
		UserID:      s.UserID,
		CurrentStep: string(s.CurrentStep),
		Status:      string(s.Status),
		Progress:    progress,
		ArgumentID:  argumentID,
		Topic:       s.Topic,
		Language:    s.Language,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}, nil
}

func sessionFromModel(m SessionModel) domain.ChatSession {
	argumentID := ""
	if m.ArgumentID != nil {
		argumentID = *m.ArgumentID
	}
	var completedAt *time.Time
	if m.CompletedAt != nil {
		t := m.CompletedAt.UTC()
		completedAt = &t
	}
	return domain.ChatSession{
		ID:                  m.ID,
		UserID:              m.UserID,
		CurrentStep:         domain.Step(m.CurrentStep),
		Status:              domain.SessionStatus(m.Status),
		ArgumentProgress:    decodeProgress(m.Progress),
		GeneratedArgumentID: argumentID,
		Topic:               m.Topic,
		Language:            m.Language,
		CreatedAt:           m.CreatedAt.UTC(),
		UpdatedAt:           m.UpdatedAt.UTC(),
		CompletedAt:         completedAt,
	}
}

func draftToModel(d domain.ArgumentDraft) DraftModel {
	version := d.Version
	if version == 0 {
		version = domain.InitialDraftVersion
	}
	return DraftModel{
		SessionID:      d.SessionID,
		UserID:         d.UserID,
		Name:           d.Name,
		Claim:          d.Fields.Claim,
		Grounds:        d.Fields.Grounds,
		GroundsBacking: d.Fields.GroundsBacking,
		Warrant:        d.Fields.Warrant,
		WarrantBacking: d.Fields.WarrantBacking,
		Qualifier:      d.Fields.Qualifier,
		Rebuttal:       d.Fields.Rebuttal,
		Version:        version,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func draftFields(m DraftModel) domain.ArgumentFields {
	return domain.ArgumentFields{
		Claim:          m.Claim,
		Grounds:        m.Grounds,
		GroundsBacking: m.GroundsBacking,
		Warrant:        m.Warrant,
		WarrantBacking: m.WarrantBacking,
		Qualifier:      m.Qualifier,
		Rebuttal:       m.Rebuttal,
	}
}

func draftFromModel(m DraftModel) domain.ArgumentDraft {
	return domain.ArgumentDraft{
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Name:      m.Name,
		Fields:    draftFields(m),
		Version:   m.Version,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func argumentFromDraft(id string, d DraftModel, at time.Time) ArgumentModel {
	return ArgumentModel{
		ID:             id,
		UserID:         d.UserID,
		SessionID:      d.SessionID,
		Name:           d.Name,
		Claim:          d.Claim,
		Grounds:        d.Grounds,
		GroundsBacking: d.GroundsBacking,
		Warrant:        d.Warrant,
		WarrantBacking: d.WarrantBacking,
		Qualifier:      d.Qualifier,
		Rebuttal:       d.Rebuttal,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func argumentFromModel(m ArgumentModel) domain.Argument {
	return domain.Argument{
		ID:        m.ID,
		UserID:    m.UserID,
		SessionID: m.SessionID,
		Name:      m.Name,
		Fields: domain.ArgumentFields{
			Claim:          m.Claim,
			Grounds:        m.Grounds,
			GroundsBacking: m.GroundsBacking,
			Warrant:        m.Warrant,
			WarrantBacking: m.WarrantBacking,
			Qualifier:      m.Qualifier,
			Rebuttal:       m.Rebuttal,
		},
		Completed: m.Completed,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func messageToModel(msg domain.ChatMessage) (MessageModel, error) {
	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return MessageModel{}, err
	}
	return MessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Seq:       msg.Seq,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Step:      string(msg.Step),
		Metadata:  meta,
		CreatedAt: msg.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		SessionID: m.SessionID,
		Seq:       m.Seq,
		Role:      domain.MessageRole(m.Role),
		Content:   m.Content,
		Step:      domain.Step(m.Step),
		Metadata:  decodeMetadata(m.Metadata),
		CreatedAt: m.CreatedAt.UTC(),
	}
}

// messagesFromModels converts models, reversing them when they were read
// newest first.
func messagesFromModels(models []MessageModel, reverse bool) []domain.ChatMessage {
	msgs := make([]domain.ChatMessage, 0, len(models))
	if reverse {
		for i := len(models) - 1; i >= 0; i-- {
			msgs = append(msgs, messageFromModel(models[i]))
		}
		return msgs
	}
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs
}
