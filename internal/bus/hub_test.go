package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crisisline/backend/internal/models"
)

func TestIsFixedRoom(t *testing.T) {
	assert.True(t, isFixedRoom(models.RoomAlerts))
	assert.True(t, isFixedRoom(models.RoomLivemap))
	assert.True(t, isFixedRoom(models.RoomTelegram))
	assert.False(t, isFixedRoom(models.PatientRoom("patient-123")))
	assert.False(t, isFixedRoom(models.DepartmentRoom(models.Department("triage"))))
}

func TestHubDynamicRoomRefcounting(t *testing.T) {
	h := NewHub(nil)

	// Two subscribers on one dynamic room share a single relay entry with a
	// refcount of 2; each unsubscribe drops one reference and the last one
	// removes the entry.
	room := models.PatientRoom("patient-abc")
	h.dynamicRooms[room] = &dynamicRoomRelay{cancel: func() {}, refcount: 1}
	h.mu.Lock()
	h.dynamicRooms[room].refcount++
	h.mu.Unlock()

	assert.Equal(t, 2, h.dynamicRooms[room].refcount)

	h.unsubscribeDynamicRoom(room)
	assert.Equal(t, 1, h.dynamicRooms[room].refcount)

	h.unsubscribeDynamicRoom(room)
	_, ok := h.dynamicRooms[room]
	assert.False(t, ok)
}
