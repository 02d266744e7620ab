package main

import (
	"io"
	"log"
	"net/http"

	"estafet/models"
	"estafet/pkg/estafet"
	"estafet/pkg/event"

	"github.com/gin-gonic/gin"
)

// ChainEvent is the notification payload for chain seeding and closing.
type ChainEvent struct {
	SessionUid  string                `json:"session_id"`
	ChainUid    string                `json:"chain_id,omitempty"`
	FinalHolder uint                  `json:"final_holder_id,omitempty"`
	Seeded      []estafet.SeededChain `json:"seeded,omitempty"`
}

func publishSeeded(sessionUid string, seeded []estafet.SeededChain) {
	if bus == nil {
		return
	}
	bus.PublishAsync(event.TypeChainSeeded, event.New(event.TypeChainSeeded,
		ChainEvent{SessionUid: sessionUid, Seeded: seeded}))
}

func publishChainClosed(chain *models.Chain) {
	if bus == nil {
		return
	}
	var sess models.Session
	if err := db.First(&sess, chain.SessionID).Error; err != nil {
		return
	}
	bus.PublishAsync(event.TypeChainClosed, event.New(event.TypeChainClosed,
		ChainEvent{SessionUid: sess.Uid, ChainUid: chain.Uid, FinalHolder: chain.HolderID}))
}

// startNotifyLog logs transfers as they happen. Also serves as the always-on
// consumer that keeps the bus exercised when no SSE client is connected.
func startNotifyLog() {
	bus.SubscribeFunc(event.TypeScanCompleted, func(evt event.Event) {
		if se, ok := evt.Data.(estafet.ScanEvent); ok {
			log.Printf("transfer: session=%s chain=%s seq=%d %d->%d", se.SessionUid, se.ChainUid, se.Sequence, se.FromID, se.ToID)
		}
	})
}

func eventSessionUid(evt event.Event) string {
	switch d := evt.Data.(type) {
	case estafet.ScanEvent:
		return d.SessionUid
	case estafet.SnapshotEvent:
		return d.SessionUid
	case ChainEvent:
		return d.SessionUid
	}
	return ""
}

// sessionEventsHandler streams session events over SSE. Best effort only:
// events can be dropped under load, so clients reconcile by polling the GET
// endpoints.
func sessionEventsHandler(c *gin.Context) {
	sess, ok := sessionByParam(c)
	if !ok {
		return
	}
	types := []event.Type{
		event.TypeScanCompleted,
		event.TypeChainSeeded,
		event.TypeChainClosed,
		event.TypeSnapshotCompleted,
	}
	done := c.Request.Context().Done()
	merged := make(chan event.Event)
	subIDs := make(map[event.Type]event.SubscriberID, len(types))
	for _, t := range types {
		id, ch := bus.Subscribe(t)
		subIDs[t] = id
		go func(ch <-chan event.Event) {
			for evt := range ch {
				select {
				case merged <- evt:
				case <-done:
				}
			}
		}(ch)
	}
	defer func() {
		for t, id := range subIDs {
			bus.Unsubscribe(t, id)
		}
	}()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case evt := <-merged:
			if eventSessionUid(evt) != sess.Uid {
				return true
			}
			c.SSEvent(string(evt.Type), evt.Data)
			return true
		}
	})
}
