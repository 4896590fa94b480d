package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/c-bata/go-prompt"

	"github.com/sip4k/sipbot/pkg/ua"
)

func completer(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "register", Description: "Register with the server"},
		{Text: "unregister", Description: "Remove the registration"},
		{Text: "call", Description: "Call a user: call <user>"},
		{Text: "hangup", Description: "End a call: hangup <user>"},
		{Text: "calls", Description: "Show active calls"},
		{Text: "ports", Description: "Show rtp port usage"},
		{Text: "exit", Description: "Exit"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func consoleLoop(ctx context.Context, client *ua.Client) {
	fmt.Println("Please select command.")
	for {
		t := prompt.Input("sipbot> ", completer,
			prompt.OptionTitle("sipbot "+version),
			prompt.OptionHistory([]string{"calls", "register"}),
			prompt.OptionPrefixTextColor(prompt.Yellow),
			prompt.OptionPreviewSuggestionTextColor(prompt.Blue),
			prompt.OptionSelectedSuggestionBGColor(prompt.LightGray),
			prompt.OptionSuggestionBGColor(prompt.DarkGray))

		args := strings.Fields(t)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "register":
			state, err := client.Register(ctx)
			if err != nil {
				fmt.Printf("Register failed: %v\n", err)
				continue
			}
			fmt.Printf("Registered, expires %d\n", state.Expiration)
		case "unregister":
			if err := client.Unregister(ctx); err != nil {
				fmt.Printf("Unregister failed: %v\n", err)
			}
		case "call":
			if len(args) < 2 {
				fmt.Println("Usage: call <user>")
				continue
			}
			s, err := client.Call(ctx, args[1])
			if err != nil {
				fmt.Printf("Call failed: %v\n", err)
				continue
			}
			fmt.Printf("%v\n", s)
		case "hangup":
			if len(args) < 2 {
				fmt.Println("Usage: hangup <user>")
				continue
			}
			if err := client.EndSession(ctx, args[1]); err != nil {
				fmt.Printf("Hangup failed: %v\n", err)
			}
		case "calls":
			sessions := client.Sessions()
			if len(sessions) == 0 {
				fmt.Printf("No active calls\n")
				continue
			}
			fmt.Printf("Calls:\n")
			for _, s := range sessions {
				fmt.Printf("%v: %s, rtp %d -> %v\n", s, s.State(), s.LocalPort(), s.RemoteEndpoint())
			}
		case "ports":
			p := client.Ports()
			low, high := p.Range()
			fmt.Printf("RTP ports [%d, %d]: %d of %d free\n", low, high, p.Available(), p.Size())
		case "exit":
			fmt.Println("Exit now.")
			return
		default:
			fmt.Printf("Unknown command %q\n", args[0])
		}
	}
}
