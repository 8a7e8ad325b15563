// Command testclient drives a running engine over HTTP and follows its
// websocket event stream.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rj0009/AIMS-Journey-Mapper/internal/models"
	"github.com/rj0009/AIMS-Journey-Mapper/internal/service/transcript"
)

// event is the union of the pushed payloads; EventType selects the fields
// that are set.
type event struct {
	models.TranscriptCommitted
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Error string `json:"error,omitempty"`
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Engine HTTP address")
	text := flag.String("text", "", "Optional text turn to send once connected")
	flag.Parse()

	base := strings.TrimRight(*server, "/")
	client := &http.Client{Timeout: 30 * time.Second}

	wsURL, err := url.Parse(base + "/v1/ws")
	if err != nil {
		log.Fatalf("bad server address: %v", err)
	}
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		log.Fatalf("failed to open event stream: %v", err)
	}
	defer conn.Close()
	log.Printf("Following events at %s", wsURL)

	go func() {
		// The backlog and the live feed can both carry an entry committed
		// while the stream opened.
		seen := make(map[string]struct{})
		for {
			var ev event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			switch ev.EventType {
			case models.EventTranscriptPartial:
				log.Printf("… %-5s %s", ev.Speaker, ev.Text)
			case models.EventTranscriptCommitted:
				if _, dup := seen[ev.EntryID]; dup {
					continue
				}
				seen[ev.EntryID] = struct{}{}
				log.Printf("✔ %-5s %s (%s)", ev.Speaker, ev.Text, ev.Source)
			case models.EventSessionState:
				if ev.Error != "" {
					log.Printf("state %s -> %s: %s", ev.From, ev.To, ev.Error)
				} else {
					log.Printf("state %s -> %s", ev.From, ev.To)
				}
			}
		}
	}()

	code, body := post(client, base+"/v1/session/connect", "")
	log.Printf("connect: %d %s", code, body)

	if *text != "" {
		payload, _ := json.Marshal(map[string]string{"text": *text})
		code, body = post(client, base+"/v1/session/text", string(payload))
		log.Printf("text: %d %s", code, body)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	code, body = post(client, base+"/v1/session/disconnect", "")
	log.Printf("disconnect: %d %s", code, body)

	resp, err := client.Get(base + "/v1/transcript")
	if err != nil {
		log.Fatalf("failed to fetch transcript: %v", err)
	}
	defer resp.Body.Close()
	var tr struct {
		Entries []transcript.Entry `json:"entries"`
		Count   int                `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		log.Fatalf("failed to decode transcript: %v", err)
	}
	for _, e := range tr.Entries {
		fmt.Printf("[%s] %-5s %s\n", e.Timestamp.Format("15:04:05"), e.Speaker, e.Text)
	}
	log.Printf("%d entries", tr.Count)
}

func post(client *http.Client, target, body string) (int, string) {
	resp, err := client.Post(target, "application/json", strings.NewReader(body))
	if err != nil {
		log.Fatalf("POST %s: %v", target, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, strings.TrimSpace(string(b))
}
