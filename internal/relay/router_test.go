package relay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/amoylab/kefu/internal/chatlog"
	"github.com/amoylab/kefu/internal/common/config"
	"github.com/amoylab/kefu/internal/common/dto"
	"github.com/amoylab/kefu/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_ChatWithExplicitTargetEchoes(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	alice, aliceOut := r.connect(t, "alice", dto.RoleCustomer, 0)
	_, bobOut := r.connect(t, "bob", dto.RoleAgent, time.Second)

	r.router.Handle(ctx, alice, []byte(`{"type":"Chat","to":"bob","from":"mallory","content":"hi"}`))

	for _, out := range []*Outbound{aliceOut, bobOut} {
		frames := framesOfType(drain(t, out), FrameChat)
		require.Len(t, frames, 1)
		assert.Equal(t, "alice", frames[0].From)
		assert.Equal(t, "bob", frames[0].To)
		assert.Equal(t, "hi", frames[0].Content)
		assert.NotEmpty(t, frames[0].ID)
		assert.NotZero(t, frames[0].Timestamp)
		assert.Equal(t, chatlog.ContentText, frames[0].ContentType)
	}

	history, err := r.log.Recent(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].From)
}

func TestRouter_ChatIsStampedWithServerTime(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	received := testEpoch.Add(time.Hour)
	r.router.now = func() time.Time { return received }
	alice, aliceOut := r.connect(t, "alice", dto.RoleCustomer, 0)
	r.connect(t, "bob", dto.RoleAgent, time.Second)

	backdated := testEpoch.Add(-24 * time.Hour).UnixMilli()
	r.router.Handle(ctx, alice, []byte(fmt.Sprintf(`{"type":"Chat","to":"bob","content":"hi","timestamp":%d}`, backdated)))

	frames := framesOfType(drain(t, aliceOut), FrameChat)
	require.Len(t, frames, 1)
	assert.Equal(t, received.UnixMilli(), frames[0].Timestamp)

	history, err := r.log.Recent(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Timestamp.Equal(received), history[0].Timestamp)
}

func TestRouter_ChatResolvesPartner(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	a, aOut := r.connect(t, "A", dto.RoleCustomer, 0)
	_, bOut := r.connect(t, "B", dto.RoleAgent, time.Second)
	require.NoError(t, r.pairing.Establish(ctx, "A", "B"))

	r.router.Handle(ctx, a, []byte(`{"type":"Chat","content":"hi"}`))

	got := framesOfType(drain(t, bOut), FrameChat)
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].From)
	assert.Equal(t, "B", got[0].To)
	assert.Equal(t, "hi", got[0].Content)

	echo := framesOfType(drain(t, aOut), FrameChat)
	require.Len(t, echo, 1)
	assert.Equal(t, got[0].ID, echo[0].ID)
	assert.Equal(t, "hi", echo[0].Content)
}

func TestRouter_ChatFromUnpairedCustomerAssignsAgent(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	c, cOut := r.connect(t, "c1", dto.RoleCustomer, 0)
	_, aOut := r.connect(t, "a1", dto.RoleAgent, time.Second)

	r.router.Handle(ctx, c, []byte("is anyone there?"))

	agentFrames := drain(t, aOut)
	require.Len(t, framesOfType(agentFrames, FrameSessionEstablished), 1)
	chats := framesOfType(agentFrames, FrameChat)
	require.Len(t, chats, 1)
	assert.Equal(t, "is anyone there?", chats[0].Content)

	customerFrames := drain(t, cOut)
	established := framesOfType(customerFrames, FrameSessionEstablished)
	require.Len(t, established, 1)
	assert.Equal(t, "a1", established[0].PartnerID)
	assert.Len(t, framesOfType(customerFrames, FrameChat), 1)
}

func TestRouter_ChatWithoutPartnerOnlyEchoes(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	c, cOut := r.connect(t, "c1", dto.RoleCustomer, 0)

	r.router.Handle(ctx, c, []byte(`{"type":"Chat","content":"hello?"}`))

	frames := drain(t, cOut)
	chats := framesOfType(frames, FrameChat)
	require.Len(t, chats, 1)
	assert.Empty(t, chats[0].To)
	assert.Empty(t, framesOfType(frames, FrameError))
}

func TestRouter_VoiceIsChat(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	a, _ := r.connect(t, "a", dto.RoleAgent, 0)
	_, bOut := r.connect(t, "b", dto.RoleCustomer, 0)

	r.router.Handle(ctx, a, []byte(`{"type":"Voice","to":"b","url":"/voice/1.ogg"}`))

	chats := framesOfType(drain(t, bOut), FrameChat)
	require.Len(t, chats, 1)
	assert.Equal(t, chatlog.ContentVoice, chats[0].ContentType)
	assert.Equal(t, "/voice/1.ogg", chats[0].URL)
}

func TestRouter_TypingIsForwardedNotPersisted(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	a, aOut := r.connect(t, "a", dto.RoleCustomer, 0)
	_, bOut := r.connect(t, "b", dto.RoleAgent, 0)
	require.NoError(t, r.pairing.Establish(ctx, "a", "b"))

	r.router.Handle(ctx, a, []byte(`{"type":"Typing"}`))

	typing := framesOfType(drain(t, bOut), FrameTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, "a", typing[0].From)
	assert.Empty(t, drain(t, aOut))

	history, _ := r.log.Recent(ctx, "a", "b", 10)
	assert.Empty(t, history)
}

func TestRouter_HeartbeatReply(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	u, out := r.connect(t, "u1", dto.RoleCustomer, 0)
	before, _ := r.registry.Get("u1")
	later := time.Now().Add(time.Hour)
	r.registry.now = func() time.Time { return later }

	r.router.Handle(ctx, u, []byte(`{"type":"Heartbeat"}`))

	frames := drain(t, out)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameHeartbeat, frames[0].Type)
	assert.Equal(t, "u1", frames[0].UserID)
	assert.NotZero(t, frames[0].Timestamp)

	after, _ := r.registry.Get("u1")
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestRouter_HistoryRequestIsAgentOnly(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	agent, agentOut := r.connect(t, "a1", dto.RoleAgent, 0)
	customer, customerOut := r.connect(t, "c1", dto.RoleCustomer, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.log.Save(ctx, &chatlog.Message{
			ID: string(rune('x' + i)), From: "c1", To: "a1", Content: "m", Timestamp: testEpoch.Add(time.Duration(i) * time.Second),
		}))
	}

	r.router.Handle(ctx, agent, []byte(`{"type":"HistoryRequest","customer_id":"c1"}`))
	frames := drain(t, agentOut)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameHistory, frames[0].Type)
	assert.Equal(t, "c1", frames[0].PartnerID)
	require.Len(t, frames[0].Messages, 3)
	assert.Equal(t, "x", frames[0].Messages[0].ID)

	r.router.Handle(ctx, customer, []byte(`{"type":"HistoryRequest","customer_id":"a1"}`))
	assert.Empty(t, drain(t, customerOut))
}

func TestRouter_HistoryIsCapped(t *testing.T) {
	r := newRig(t, 5)
	r.router.historyLimit = 2
	ctx := context.Background()
	agent, agentOut := r.connect(t, "a1", dto.RoleAgent, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.log.Save(ctx, &chatlog.Message{
			ID: string(rune('a' + i)), From: "a1", To: "c1", Timestamp: testEpoch.Add(time.Duration(i) * time.Second),
		}))
	}

	r.router.Handle(ctx, agent, []byte(`{"type":"HistoryRequest","to":"c1"}`))
	frames := drain(t, agentOut)
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Messages, 2)
	assert.Equal(t, "d", frames[0].Messages[0].ID)
	assert.Equal(t, "e", frames[0].Messages[1].ID)
}

func TestRouter_StatusBroadcast(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	u, uOut := r.connect(t, "c1", dto.RoleCustomer, 0)
	_, agentOut := r.connect(t, "a1", dto.RoleAgent, 0)

	r.router.Handle(ctx, u, []byte(`{"type":"Status","status":"away"}`))

	info, _ := r.registry.Get("c1")
	assert.Equal(t, dto.StatusAway, info.Status)
	users, _ := r.store.OnlineUsers(ctx)
	for _, user := range users {
		if user.UserID == "c1" {
			assert.Equal(t, dto.StatusAway, user.Status)
		}
	}

	status := framesOfType(drain(t, uOut), FrameStatus)
	require.Len(t, status, 1)
	assert.Equal(t, dto.StatusAway, status[0].Status)

	agentFrames := drain(t, agentOut)
	assert.Len(t, framesOfType(agentFrames, FrameStatus), 1)
	lists := framesOfType(agentFrames, FrameOnlineUsers)
	require.Len(t, lists, 1)
	require.Len(t, lists[0].Users, 1)
	assert.Equal(t, "c1", lists[0].Users[0].UserID)

	r.router.Handle(ctx, u, mustJSON(t, map[string]string{"type": "Status", "status": "sleeping"}))
	assert.Empty(t, drain(t, uOut))
}

func TestRouter_OnlineUsersPull(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	agent, agentOut := r.connect(t, "a1", dto.RoleAgent, 0)
	customer, customerOut := r.connect(t, "c1", dto.RoleCustomer, time.Second)
	r.connect(t, "c2", dto.RoleCustomer, 2*time.Second)

	r.router.Handle(ctx, agent, []byte(`{"type":"OnlineUsers"}`))
	frames := drain(t, agentOut)
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Users, 2)
	assert.Equal(t, "c1", frames[0].Users[0].UserID)

	r.router.Handle(ctx, customer, []byte(`{"type":"OnlineUsers"}`))
	assert.Empty(t, drain(t, customerOut))
}

func TestRouter_SwitchFrame(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	agent, agentOut := r.connect(t, "a1", dto.RoleAgent, 0)
	_, custOut := r.connect(t, "cust-9001", dto.RoleCustomer, time.Second)

	r.router.Handle(ctx, agent, []byte(`{"type":"Switch","customer_id":"cust-90"}`))

	agentFrames := drain(t, agentOut)
	established := framesOfType(agentFrames, FrameSessionEstablished)
	require.Len(t, established, 1)
	assert.Equal(t, "cust-9001", established[0].PartnerID)
	assert.Len(t, framesOfType(agentFrames, FrameHistory), 1)
	assert.Len(t, framesOfType(drain(t, custOut), FrameSessionEstablished), 1)

	r.router.Handle(ctx, agent, []byte(`{"type":"Switch","customer_id":"nobody"}`))
	errs := framesOfType(drain(t, agentOut), FrameError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Content, "nobody")
}

func TestRouter_StaleSenderIsPurged(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	a, aOut := r.connect(t, "a", dto.RoleCustomer, 0)
	_, bOut := r.connect(t, "b", dto.RoleAgent, 0)
	bOut.Close()

	r.router.Handle(ctx, a, []byte(`{"type":"Chat","to":"b","content":"anyone?"}`))

	assert.False(t, r.registry.Has("b"))
	// the sender still gets its echo and no error
	frames := drain(t, aOut)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameChat, frames[0].Type)

	assert.Equal(t, metrics.DeliveryNoTarget, r.router.Deliver("b", &Frame{Type: FrameSystem}))
}

func TestRouter_OverflowDisconnects(t *testing.T) {
	r := newRig(t, 5)
	info := ConnectionInfo{UserID: "slow", Role: dto.RoleCustomer}
	out := NewOutbound(1, config.OverflowDisconnect)
	r.registry.Register(info, out)

	assert.Equal(t, metrics.DeliveryDelivered, r.router.Deliver("slow", &Frame{Type: FrameSystem}))
	assert.Equal(t, metrics.DeliveryOverflow, r.router.Deliver("slow", &Frame{Type: FrameSystem}))
	assert.False(t, r.registry.Has("slow"))
	assert.True(t, out.Closed())
}

func TestRouter_ResponseTimeIsRecorded(t *testing.T) {
	r := newRig(t, 5)
	ctx := context.Background()
	c, _ := r.connect(t, "c1", dto.RoleCustomer, 0)
	a, _ := r.connect(t, "a1", dto.RoleAgent, 0)
	require.NoError(t, r.pairing.Establish(ctx, "c1", "a1"))

	now := testEpoch
	r.router.now = func() time.Time { return now }
	r.router.Handle(ctx, c, []byte(`{"type":"Chat","content":"help"}`))
	now = now.Add(time.Second)
	r.router.Handle(ctx, c, []byte(`{"type":"Chat","content":"please"}`))
	now = now.Add(3 * time.Second)
	r.router.Handle(ctx, a, []byte(`{"type":"Chat","content":"on it"}`))

	w, err := r.store.GetAgentWorkload(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 4.0, w.AvgResponseTime, 0.001)
}

func TestRouter_UnknownFramesAreIgnored(t *testing.T) {
	r := newRig(t, 5)
	u, out := r.connect(t, "u", dto.RoleCustomer, 0)
	r.router.Handle(context.Background(), u, []byte(`{"type":"Welcome"}`))
	r.router.Handle(context.Background(), u, []byte(`{"type":"UserLeft","user_id":"x"}`))
	assert.Empty(t, drain(t, out))
}

func TestRouter_Broadcast(t *testing.T) {
	r := newRig(t, 5)
	_, aOut := r.connect(t, "a", dto.RoleAgent, 0)
	_, bOut := r.connect(t, "b", dto.RoleCustomer, 0)
	_, cOut := r.connect(t, "c", dto.RoleCustomer, 0)
	cOut.Close()

	n := r.router.Broadcast(&Frame{Type: FrameSystem, Content: "maintenance"}, "a")
	assert.Equal(t, 1, n)
	assert.Empty(t, drain(t, aOut))
	assert.Len(t, drain(t, bOut), 1)
	assert.False(t, r.registry.Has("c"))
}
