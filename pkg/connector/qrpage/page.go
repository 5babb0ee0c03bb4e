// Copyright 2024-2026 Aiku AI

// Package qrpage renders the human-facing pairing page of the bridge.
package qrpage

import (
	"encoding/base64"
	"fmt"
	"html/template"
	"io"

	"github.com/skip2/go-qrcode"
)

const (
	// ChallengeRefresh is how often the page reloads while a code is shown.
	// Codes rotate faster than this, a slightly stale image is fine.
	ChallengeRefresh = 15
	// WaitingRefresh is how often the page reloads while no code exists yet.
	WaitingRefresh = 3

	imageSize = 320
)

// Page is the data behind the single page template.
type Page struct {
	Title   string
	Heading string
	Text    string
	Image   template.URL
	Refresh int
}

var pageTemplate = template.Must(template.New("qr").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
{{- if .Refresh}}
<meta http-equiv="refresh" content="{{.Refresh}}">
{{- end}}
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;display:flex;flex-direction:column;align-items:center;justify-content:center;min-height:100vh;margin:0;background:#f0f2f5;color:#111b21}
img{background:#fff;padding:16px;border-radius:8px}
p{color:#54656f}
</style>
</head>
<body>
<h1>{{.Heading}}</h1>
{{- if .Image}}
<img src="{{.Image}}" alt="WhatsApp pairing QR code" width="320" height="320">
{{- end}}
<p>{{.Text}}</p>
</body>
</html>
`))

// Render writes page as HTML.
func Render(w io.Writer, page Page) error {
	return pageTemplate.Execute(w, page)
}

// PNGDataURI encodes code as a QR code PNG inside a data URI.
func PNGDataURI(code string) (template.URL, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, imageSize)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png)), nil
}

// Challenge renders a scannable pairing code.
func Challenge(w io.Writer, code string) error {
	img, err := PNGDataURI(code)
	if err != nil {
		return err
	}
	return Render(w, Page{
		Title:   "WhatsApp pairing",
		Heading: "Scan to link WhatsApp",
		Text:    "Open WhatsApp on your phone, go to Linked devices and scan this code.",
		Image:   img,
		Refresh: ChallengeRefresh,
	})
}

// Waiting renders the page shown while no pairing code is available yet.
func Waiting(w io.Writer, state string) error {
	return Render(w, Page{
		Title:   "WhatsApp pairing",
		Heading: "Waiting for pairing code",
		Text:    fmt.Sprintf("Connection state: %s. This page refreshes automatically.", state),
		Refresh: WaitingRefresh,
	})
}

// Connected renders the static page shown once paired.
func Connected(w io.Writer, ownID string) error {
	text := "The bridge is linked and relaying messages."
	if ownID != "" {
		text = fmt.Sprintf("The bridge is linked to %s and relaying messages.", ownID)
	}
	return Render(w, Page{
		Title:   "WhatsApp connected",
		Heading: "Connected",
		Text:    text,
	})
}

// LoggedOut renders the page shown after the phone unlinked the bridge.
func LoggedOut(w io.Writer) error {
	return Render(w, Page{
		Title:   "WhatsApp logged out",
		Heading: "Logged out",
		Text:    "The bridge was unlinked. Delete the credential store (or run with --reset-session) and restart it to pair again.",
	})
}
