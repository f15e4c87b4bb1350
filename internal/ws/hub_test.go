package ws

import (
	"testing"

	"go.uber.org/zap"

	"github.com/helpinghands/assist-chat/internal/auth"
	"github.com/helpinghands/assist-chat/internal/models"
)

func TestHubDropsSlowClient(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	slow := newClient("c1", auth.Identity{ID: "U1", Role: models.RoleUser}, nil, nil)
	h.Register(slow)
	h.Join(slow, RequestRoom("R1"))

	for i := 0; i < sendBuffer; i++ {
		h.Emit([]byte("x"), nil, RequestRoom("R1"))
	}
	if h.RoomSize(RequestRoom("R1")) != 1 {
		t.Fatalf("client should still be registered with a full buffer")
	}
	h.Emit([]byte("overflow"), nil, RequestRoom("R1"))
	if h.RoomSize(RequestRoom("R1")) != 0 || h.Online("U1") {
		t.Fatalf("slow client should have been dropped")
	}
}

func TestHubJoinRequiresRegistration(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	c := newClient("c1", auth.Identity{ID: "U1", Role: models.RoleUser}, nil, nil)
	if h.Join(c, RequestRoom("R1")) {
		t.Fatalf("unregistered client must not join")
	}
	h.Register(c)
	if !h.Join(c, RequestRoom("R1")) || !h.Online("U1") {
		t.Fatalf("registered client should join")
	}
	h.Unregister(c)
	h.Unregister(c)
}

func TestHubCloseAll(t *testing.T) {
	h := NewHub(zap.NewNop().Sugar())
	for _, id := range []string{"a", "b", "c"} {
		h.Register(newClient(id, auth.Identity{ID: id, Role: models.RoleUser}, nil, nil))
	}
	h.CloseAll()
	for _, id := range []string{"a", "b", "c"} {
		if h.Online(id) {
			t.Fatalf("%s still online", id)
		}
	}
}
