package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"lumeview.com/client/session"
)

const SessionCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Session control.

Usage:
    sessionctl login [--api_url=<api_url>]
        --user_auth=<user_auth>
        [--password=<password>]
    sessionctl session-id --jwt=<jwt>
    sessionctl sessions [--api_url=<api_url>] [--jwt=<jwt>]
    sessionctl watch --channel_url=<channel_url>
        [--session_id=<session_id>]
        [--message_count=<message_count>]
    sessionctl push --channel_url=<channel_url>
        [--session_id=<session_id>]
        <message>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --channel_url=<channel_url>
    --session_id=<session_id>
    --user_auth=<user_auth>
    --password=<password>            Prompted when omitted.
    --jwt=<jwt>                      Your session JWT.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SessionCtlVersion)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if sessionId_, _ := opts.Bool("session-id"); sessionId_ {
		sessionId(opts)
	} else if sessions_, _ := opts.Bool("sessions"); sessions_ {
		sessions(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if push_, _ := opts.Bool("push"); push_ {
		push(opts)
	}
}

// log in and print the jwt
func login(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	userAuth, _ := opts.String("--user_auth")

	password, _ := opts.String("--password")
	if password == "" {
		Out.Printf("Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			Err.Printf("Could not read password (%s).", err)
			return
		}
		Out.Printf("\n")
		password = string(passwordBytes)
	}

	api := session.NewLumeviewApi(apiUrl)
	defer api.Close()

	result, err := api.AuthLoginSync(&session.AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		Err.Printf("Login failed (%s).", err)
		return
	}
	if result.Error != nil {
		Err.Printf("Login failed (%s).", result.Error.Message)
		return
	}

	Out.Printf("%s", result.ByJwt)
}

// print the session id claim of a jwt
func sessionId(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	byJwt, err := session.ParseByJwtUnverified(jwt)
	if err != nil {
		Err.Printf("Invalid JWT (%s).", err)
		return
	}
	if byJwt.SessionId == "" {
		Err.Printf("JWT does not have a session_id.")
		return
	}

	Out.Printf("%s", byJwt.SessionId)
}

// list the known session ids
func sessions(opts docopt.Opts) {
	apiUrl, _ := opts.String("--api_url")
	jwt, _ := opts.String("--jwt")

	api := session.NewLumeviewApi(apiUrl)
	defer api.Close()
	if jwt != "" {
		api.SetByJwt(jwt)
	}

	result, err := api.GetSessionsSync()
	if err != nil {
		Err.Printf("Could not list sessions (%s).", err)
		return
	}

	for _, sessionId := range result.Sessions {
		Out.Printf("%s", sessionId)
	}
}

// open a channel and print messages until the count or an interrupt
func watch(opts docopt.Opts) {
	channelUrl, _ := opts.String("--channel_url")
	sessionId, _ := opts.String("--session_id")

	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := session.NewPollingChannelWithDefaults(cancelCtx, channelUrl, sessionId)
	defer channel.Close()

	messages := make(chan json.RawMessage)
	channel.AddListener(session.EventOpen, func(event *session.Event) {
		Err.Printf("open")
	})
	channel.AddListener(session.EventClose, func(event *session.Event) {
		Err.Printf("close")
	})
	channel.AddListener(session.EventMessage, func(event *session.Event) {
		select {
		case <-cancelCtx.Done():
		case messages <- event.Data:
		}
	})

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		select {
		case message := <-messages:
			Out.Printf("%s", message)
		case <-interrupt:
			return
		}
	}
}

// send one payload through a channel
func push(opts docopt.Opts) {
	channelUrl, _ := opts.String("--channel_url")
	sessionId, _ := opts.String("--session_id")
	message, _ := opts.String("<message>")

	timeout := 30 * time.Second

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(message), &payload); err != nil {
		Err.Printf("Message is not valid JSON (%s).", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := session.NewPollingChannelWithDefaults(cancelCtx, channelUrl, sessionId)
	defer channel.Close()

	open := make(chan struct{}, 1)
	channel.AddListener(session.EventOpen, func(event *session.Event) {
		select {
		case open <- struct{}{}:
		default:
		}
	})

	select {
	case <-open:
	case <-time.After(timeout):
		Err.Printf("Channel did not open (timeout).")
		return
	}

	channel.Send(payload)
	// sends are fire-and-forget. give the push a moment to complete
	time.Sleep(2 * time.Second)
	Out.Printf("Message sent.")
}
