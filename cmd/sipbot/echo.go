package main

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ghettovoice/gosip/log"

	"github.com/sip4k/sipbot/pkg/ua"
)

// echoBot collects what a caller says and sends it back once the caller
// goes quiet.
type echoBot struct {
	client atomic.Pointer[ua.Client]
	log    log.Logger

	mu      sync.Mutex
	phrases map[string][]byte
}

func newEchoBot(logger log.Logger) *echoBot {
	return &echoBot{
		log:     logger.WithPrefix("Echo"),
		phrases: make(map[string][]byte),
	}
}

func (e *echoBot) onAudio(user string, pcm []byte, isSilence, endOfPhrase bool) {
	e.mu.Lock()
	if !isSilence {
		e.phrases[user] = append(e.phrases[user], pcm...)
	}
	var phrase []byte
	if endOfPhrase {
		phrase = e.phrases[user]
		delete(e.phrases, user)
	}
	e.mu.Unlock()

	client := e.client.Load()
	if len(phrase) == 0 || client == nil {
		return
	}
	// SendAudio blocks on a full queue, keep the media goroutine free
	go func() {
		e.log.Debugf("echo %d bytes to %s", len(phrase), user)
		if err := client.SendAudio(context.Background(), user, phrase); err != nil {
			e.log.Warnf("echo to %s: %v", user, err)
			return
		}
		if err := client.ResetSilence(user); err != nil {
			e.log.Debugf("reset silence %s: %v", user, err)
		}
	}()
}

func (e *echoBot) forget(user string) {
	e.mu.Lock()
	delete(e.phrases, user)
	e.mu.Unlock()
	e.log.Infof("call with %s ended", user)
}
