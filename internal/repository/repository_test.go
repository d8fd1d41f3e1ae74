package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"deepchat-go/internal/model"
	"deepchat-go/pkg/database"

	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", name)
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestRepo(t *testing.T) (ConversationRepository, *gorm.DB) {
	db := newTestDB(t)
	return NewConversationRepository(db), db
}

func mustCreateConversation(t *testing.T, repo ConversationRepository, id, title string) *model.Conversation {
	t.Helper()
	conv, err := repo.CreateConversation(context.Background(), id, title)
	if err != nil {
		t.Fatalf("CreateConversation(%q) error = %v", id, err)
	}
	return conv
}

func mustCreateMessage(t *testing.T, repo ConversationRepository, convID string, role model.Role, content string) *model.Message {
	t.Helper()
	msg := &model.Message{ConversationID: convID, Role: role, Content: content}
	if err := repo.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("CreateMessage(%q) error = %v", convID, err)
	}
	return msg
}

func TestCreateConversationDefaults(t *testing.T) {
	repo, _ := newTestRepo(t)

	conv := mustCreateConversation(t, repo, "", "")
	if conv.ID == "" {
		t.Fatal("expected generated id")
	}
	if conv.Title != model.DefaultConversationTitle {
		t.Errorf("title = %q, want %q", conv.Title, model.DefaultConversationTitle)
	}
	if conv.CreatedAt.IsZero() || !conv.UpdatedAt.Equal(conv.CreatedAt) {
		t.Errorf("unexpected timestamps created=%v updated=%v", conv.CreatedAt, conv.UpdatedAt)
	}

	named := mustCreateConversation(t, repo, "c1", "Trip planning")
	if named.ID != "c1" || named.Title != "Trip planning" {
		t.Errorf("unexpected conversation %+v", named)
	}
}

func TestCreateConversationDuplicateID(t *testing.T) {
	repo, _ := newTestRepo(t)
	mustCreateConversation(t, repo, "dup", "")

	_, err := repo.CreateConversation(context.Background(), "dup", "")
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.GetConversation(context.Background(), "missing")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListConversationsOrderedByRecency(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	mustCreateConversation(t, repo, "a", "A")
	mustCreateConversation(t, repo, "b", "B")
	mustCreateConversation(t, repo, "c", "C")

	list, err := repo.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if got := ids(list); got != "c,b,a" {
		t.Fatalf("order = %s, want c,b,a", got)
	}

	mustCreateMessage(t, repo, "a", model.RoleUser, "bump")

	list, err = repo.ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if got := ids(list); got != "a,c,b" {
		t.Fatalf("order after append = %s, want a,c,b", got)
	}
}

func TestUpdateConversation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	conv := mustCreateConversation(t, repo, "u1", "")

	title := "Renamed"
	updated, err := repo.UpdateConversation(ctx, "u1", model.ConversationUpdate{Title: &title})
	if err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}
	if updated.Title != "Renamed" {
		t.Errorf("title = %q", updated.Title)
	}
	if !updated.UpdatedAt.After(conv.UpdatedAt) {
		t.Errorf("updatedAt %v not after %v", updated.UpdatedAt, conv.UpdatedAt)
	}

	touched, err := repo.UpdateConversation(ctx, "u1", model.ConversationUpdate{})
	if err != nil {
		t.Fatalf("touch error = %v", err)
	}
	if touched.Title != "Renamed" || !touched.UpdatedAt.After(updated.UpdatedAt) {
		t.Errorf("empty update must only bump updatedAt, got %+v", touched)
	}

	_, err = repo.UpdateConversation(ctx, "nope", model.ConversationUpdate{Title: &title})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateMessageTouchesConversation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	conv := mustCreateConversation(t, repo, "t1", "")

	prev := conv.UpdatedAt
	for i := 0; i < 3; i++ {
		msg := mustCreateMessage(t, repo, "t1", model.RoleUser, fmt.Sprintf("m%d", i))
		fresh, err := repo.GetConversation(ctx, "t1")
		if err != nil {
			t.Fatalf("GetConversation() error = %v", err)
		}
		if fresh.UpdatedAt.Before(prev) {
			t.Fatalf("updatedAt went backwards: %v < %v", fresh.UpdatedAt, prev)
		}
		if fresh.UpdatedAt.Before(msg.CreatedAt) {
			t.Fatalf("updatedAt %v earlier than message createdAt %v", fresh.UpdatedAt, msg.CreatedAt)
		}
		prev = fresh.UpdatedAt
	}
}

func TestCreateMessageUnknownConversation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	err := repo.CreateMessage(ctx, &model.Message{ConversationID: "ghost", Role: model.RoleUser, Content: "hi"})
	if err == nil {
		t.Fatal("expected error for unknown conversation")
	}
	n, err := repo.CountMessages(ctx, "ghost")
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no orphaned message, got %d", n)
	}
}

func TestCreateMessagesValidation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateConversation(t, repo, "v1", "")
	mustCreateConversation(t, repo, "v2", "")

	err := repo.CreateMessages(ctx, []*model.Message{
		{ConversationID: "v1", Role: model.RoleUser, Content: "a"},
		{ConversationID: "v2", Role: model.RoleUser, Content: "b"},
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation for mixed conversations, got %v", err)
	}

	err = repo.CreateMessages(ctx, []*model.Message{{ConversationID: "v1", Role: "tool", Content: "x"}})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation for bad role, got %v", err)
	}

	if err := repo.CreateMessages(ctx, nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestGetMessagesOrderedByCreatedAt(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateConversation(t, repo, "o1", "")

	batch := make([]*model.Message, 0, 5)
	for i := 0; i < 5; i++ {
		batch = append(batch, &model.Message{ConversationID: "o1", Role: model.RoleUser, Content: fmt.Sprintf("batch-%d", i)})
	}
	if err := repo.CreateMessages(ctx, batch); err != nil {
		t.Fatalf("CreateMessages() error = %v", err)
	}
	mustCreateMessage(t, repo, "o1", model.RoleAssistant, "single-0")
	mustCreateMessage(t, repo, "o1", model.RoleUser, "single-1")

	msgs, err := repo.GetMessages(ctx, "o1")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	want := []string{"batch-0", "batch-1", "batch-2", "batch-3", "batch-4", "single-0", "single-1"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Content, want[i])
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("msgs[%d] createdAt %v before previous %v", i, m.CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestMessageImageURLRoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	mustCreateConversation(t, repo, "img", "")

	url := "https://i.ibb.co/abc/cat.png"
	if err := repo.CreateMessage(ctx, &model.Message{ConversationID: "img", Role: model.RoleUser, Content: "cat?", ImageURL: &url}); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}
	mustCreateMessage(t, repo, "img", model.RoleUser, "legacy "+model.FormatImageMarker("https://i.ibb.co/old/dog.png"))

	msgs, err := repo.GetMessages(ctx, "img")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if got := msgs[0].ResolvedImageURL(); got != url {
		t.Errorf("field image = %q", got)
	}
	if got := msgs[1].ResolvedImageURL(); got != "https://i.ibb.co/old/dog.png" {
		t.Errorf("legacy image = %q", got)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	mustCreateConversation(t, repo, "keep", "")
	mustCreateConversation(t, repo, "drop", "")
	mustCreateMessage(t, repo, "keep", model.RoleUser, "k1")
	mustCreateMessage(t, repo, "keep", model.RoleAssistant, "k2")
	mustCreateMessage(t, repo, "drop", model.RoleUser, "d1")
	mustCreateMessage(t, repo, "drop", model.RoleAssistant, "d2")

	if err := repo.DeleteConversation(ctx, "drop"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}

	if _, err := repo.GetConversation(ctx, "drop"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected deleted conversation to be gone, got %v", err)
	}
	kept, err := repo.GetMessages(ctx, "keep")
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("other conversation lost messages: %d", len(kept))
	}

	assertNoOrphans(t, db)
}

func TestForeignKeyCascadeOnRawDelete(t *testing.T) {
	repo, db := newTestRepo(t)
	mustCreateConversation(t, repo, "fk", "")
	mustCreateMessage(t, repo, "fk", model.RoleUser, "hello")

	if err := db.Exec("DELETE FROM conversations WHERE id = ?", "fk").Error; err != nil {
		t.Fatalf("raw delete: %v", err)
	}
	assertNoOrphans(t, db)
}

func TestDeleteMissingConversationIsNoop(t *testing.T) {
	repo, _ := newTestRepo(t)
	if err := repo.DeleteConversation(context.Background(), "never-existed"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
}

// assertNoOrphans 检查每条消息的 conversation_id 都指向存在的会话。
func assertNoOrphans(t *testing.T, db *gorm.DB) {
	t.Helper()
	var orphans int64
	err := db.Model(&model.Message{}).
		Where("conversation_id NOT IN (?)", db.Model(&model.Conversation{}).Select("id")).
		Count(&orphans).Error
	if err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("found %d orphaned messages", orphans)
	}
}

func ids(list []model.Conversation) string {
	parts := make([]string, 0, len(list))
	for _, c := range list {
		parts = append(parts, c.ID)
	}
	return strings.Join(parts, ",")
}
