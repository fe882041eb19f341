// Load driver: registers pairs of users and pushes traffic through the full
// dual-path pipeline (push channel + REST persist) via the client SDK.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"tutorchat/client"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "backend http origin")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "push channel endpoint")
	pairCount = flag.Int("pairs", 50, "number of chatting pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

type authResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

func main() {
	flag.Parse()
	log.Printf("starting load test: %d pairs, %d messages each", *pairCount, *msgCount)

	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()
	log.Println("load test complete")
}

func runPair(pairID int) {
	pass := "password123"
	a, err := authenticate(fmt.Sprintf("u_%d_a", pairID), pass)
	if err != nil {
		log.Printf("pair %d: auth a: %v", pairID, err)
		return
	}
	b, err := authenticate(fmt.Sprintf("u_%d_b", pairID), pass)
	if err != nil {
		log.Printf("pair %d: auth b: %v", pairID, err)
		return
	}

	sdkA := client.New(client.Config{BaseURL: *baseURL, WSURL: *wsURL, Token: a.Token, UserID: a.ID})
	sdkB := client.New(client.Config{BaseURL: *baseURL, WSURL: *wsURL, Token: b.Token, UserID: b.ID})
	defer sdkA.Close()
	defer sdkB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	convID, err := sdkA.Rest.StartConversation(ctx, b.ID)
	if err != nil {
		log.Printf("pair %d: start conversation: %v", pairID, err)
		return
	}

	if err := sdkA.Connect(ctx); err != nil {
		log.Printf("pair %d: connect a: %v", pairID, err)
		return
	}
	if err := sdkB.Connect(ctx); err != nil {
		log.Printf("pair %d: connect b: %v", pairID, err)
		return
	}

	if _, err := sdkA.Router.OpenConversation(ctx, convID); err != nil {
		log.Printf("pair %d: open a: %v", pairID, err)
		return
	}
	if _, err := sdkB.Router.OpenConversation(ctx, convID); err != nil {
		log.Printf("pair %d: open b: %v", pairID, err)
		return
	}

	var chatWg sync.WaitGroup
	chatWg.Add(2)
	go spam(&chatWg, sdkA, convID, b.ID, a.Username)
	go spam(&chatWg, sdkB, convID, a.ID, b.Username)
	chatWg.Wait()

	waitSettled(sdkA, convID, a.Username)
	waitSettled(sdkB, convID, b.Username)
}

func spam(wg *sync.WaitGroup, sdk *client.Client, convID, recipientID int, who string) {
	defer wg.Done()
	for i := 0; i < *msgCount; i++ {
		sdk.Typing.Keystroke(convID, recipientID)
		sdk.Router.Send(convID, recipientID, fmt.Sprintf("load msg %d from %s", i, who))
		time.Sleep(10 * time.Millisecond)
	}
}

// waitSettled blocks until every optimistic entry resolved to sent or
// failed.
func waitSettled(sdk *client.Client, convID int, who string) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		pending, failed := 0, 0
		for _, m := range sdk.Store.Messages(convID) {
			switch m.State {
			case client.DeliveryPending:
				pending++
			case client.DeliveryFailed:
				failed++
			}
		}
		if pending == 0 {
			log.Printf("%s settled: %d failed", who, failed)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	log.Printf("%s: messages still pending at deadline", who)
}

func authenticate(username, password string) (*authResponse, error) {
	// Registration may fail if the user exists from a previous run.
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: http %d", resp.StatusCode)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

func postJSON(endpoint string, data interface{}) (*http.Response, error) {
	payload, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewReader(payload))
}
