package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewService(rdb, zerolog.Nop()), mr
}

func TestCreateThenListIncludesRoom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.Create(ctx, "Standup", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if room.ID == "" {
		t.Fatal("Create returned empty room id")
	}
	if len(room.Participants) != 0 {
		t.Fatalf("new room roster size=%d, want 0", len(room.Participants))
	}

	summaries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("List returned %d rooms, want 1", len(summaries))
	}
	got := summaries[0]
	if got.ID != room.ID || got.Name != "Standup" || got.ParticipantCount != 0 {
		t.Fatalf("List entry=%+v, want id=%s name=Standup count=0", got, room.ID)
	}
}

func TestCreateRejectsMissingFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		roomName  string
		creatorID string
	}{
		{"empty name", "", "u1"},
		{"blank name", "   ", "u1"},
		{"empty creator", "Standup", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.roomName, tc.creatorID)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Create err=%v, want ErrInvalid", err)
			}
		})
	}
}

func TestGetMissingRoom(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "doesnotexist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get err=%v, want ErrNotFound", err)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.Create(ctx, "Standup", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.Join(ctx, room.ID, "u1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := svc.Join(ctx, room.ID, "u1", "alice"); err != nil {
		t.Fatalf("second Join: %v", err)
	}

	got, err := svc.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Participants) != 1 {
		t.Fatalf("roster size=%d, want 1", len(got.Participants))
	}
	if got.Participants[0].UserID != "u1" || got.Participants[0].Username != "alice" {
		t.Fatalf("roster entry=%+v, want u1/alice", got.Participants[0])
	}
}

func TestJoinMissingRoom(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.Join(context.Background(), "doesnotexist", "u1", "alice")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Join err=%v, want ErrNotFound", err)
	}
}

func TestLeaveAbsentParticipantKeepsRoster(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.Create(ctx, "Standup", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := svc.Join(ctx, room.ID, "u1", "alice"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := svc.Leave(ctx, room.ID, "ghost"); err != nil {
		t.Fatalf("Leave of absent participant: %v", err)
	}

	got, err := svc.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Participants) != 1 || got.Participants[0].UserID != "u1" {
		t.Fatalf("roster=%+v, want [u1]", got.Participants)
	}
}

func TestRosterFollowsJoinLeaveOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.Create(ctx, "Standup", "u1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	assertRoster := func(want ...string) {
		t.Helper()
		got, err := svc.Get(ctx, room.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if len(got.Participants) != len(want) {
			t.Fatalf("roster size=%d, want %d", len(got.Participants), len(want))
		}
		for i, userID := range want {
			if got.Participants[i].UserID != userID {
				t.Fatalf("roster[%d]=%s, want %s", i, got.Participants[i].UserID, userID)
			}
		}
	}

	assertRoster()
	if err := svc.Join(ctx, room.ID, "u1", "alice"); err != nil {
		t.Fatalf("Join u1: %v", err)
	}
	assertRoster("u1")
	if err := svc.Join(ctx, room.ID, "u2", "bob"); err != nil {
		t.Fatalf("Join u2: %v", err)
	}
	assertRoster("u1", "u2")
	if err := svc.Leave(ctx, room.ID, "u2"); err != nil {
		t.Fatalf("Leave u2: %v", err)
	}
	assertRoster("u1")
}

func TestListReportsCorruptRosterAsZero(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.HSet("room:corrupt", fieldID, "corrupt", fieldName, "Broken", fieldParticipants, "{not json")

	summaries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("List returned %d rooms, want 1", len(summaries))
	}
	if summaries[0].ParticipantCount != 0 {
		t.Fatalf("corrupt roster count=%d, want 0", summaries[0].ParticipantCount)
	}
}

func TestListSkipsRoomWithMissingID(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	mr.HSet("room:noid", fieldName, "Nameless")
	if _, err := svc.Create(ctx, "Standup", "u1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	summaries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("List returned %d rooms, want 1 (invalid entry skipped)", len(summaries))
	}
}

func TestListFailsOpenWhenStoreDown(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	summaries, err := svc.List(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("List err=%v, want ErrUnavailable", err)
	}
	if summaries == nil || len(summaries) != 0 {
		t.Fatalf("List returned %v, want empty slice", summaries)
	}
}

func TestGetRecoversCorruptRoster(t *testing.T) {
	svc, mr := newTestService(t)

	mr.HSet("room:corrupt", fieldID, "corrupt", fieldName, "Broken", fieldParticipants, "{not json")

	got, err := svc.Get(context.Background(), "corrupt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Participants) != 0 {
		t.Fatalf("roster=%v, want empty", got.Participants)
	}
}
