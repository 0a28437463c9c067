// Command event-sim opens a real-time connection as one identity, sends a
// single event and prints whatever the server pushes back.
//
//	event-sim -user 7 -role patient -event send-message -data '{"to":"9","message":"hi"}'
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/md-rashed-zaman/telehealth/libs/auth"
)

func main() {
	var (
		wsURL  = flag.String("url", getenv("WS_URL", "ws://localhost:8085/ws"), "real-time endpoint")
		secret = flag.String("secret", getenv("JWT_SECRET", ""), "HS256 secret used to mint the token")
		user   = flag.String("user", "", "user id to connect as")
		role   = flag.String("role", "patient", "patient or therapist")
		event  = flag.String("event", "", "event to send after connecting (optional)")
		data   = flag.String("data", "null", "JSON payload of the event")
		listen = flag.Duration("listen", 10*time.Second, "how long to print pushed events")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("JWT_SECRET is required")
	}
	if strings.TrimSpace(*user) == "" {
		fatal("-user is required")
	}
	token, err := auth.SignHS256(auth.Principal{UserID: *user, Role: *role}, *secret, time.Hour)
	if err != nil {
		fatal(err.Error())
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(*wsURL, header)
	if err != nil {
		if resp != nil {
			fatal(fmt.Sprintf("dial failed: %v (status %d)", err, resp.StatusCode))
		}
		fatal("dial failed: " + err.Error())
	}
	defer conn.Close()
	fmt.Printf("connected as %s:%s\n", *role, *user)

	if *event != "" {
		if !json.Valid([]byte(*data)) {
			fatal("-data must be valid JSON")
		}
		frame := struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}{Event: *event, Data: json.RawMessage(*data)}
		if err := conn.WriteJSON(frame); err != nil {
			fatal(err.Error())
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fmt.Println(string(raw))
		}
	}()

	select {
	case <-done:
	case <-interrupt:
	case <-time.After(*listen):
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
