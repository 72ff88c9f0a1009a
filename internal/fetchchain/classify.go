package fetchchain

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
)

var htmlTypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
}

// classifyDirect turns a direct response into a signal. The first matching
// rule wins: refusal statuses, other HTTP errors, content type, page content.
func classifyDirect(resp crawler.FetchResponse, err error, detector crawler.BlockDetector) (Signal, string) {
	if err != nil {
		return classifyError(err)
	}
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotAcceptable:
		return SignalBlock, fmt.Sprintf("HTTP %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return SignalNetworkError, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	if ct, ok := isHTML(resp); !ok {
		return SignalNonHTML, "content-type: " + ct
	}
	return classifyContent(resp.Body, detector)
}

// classifyHeadless applies the same content rules to a rendered page.
func classifyHeadless(resp crawler.FetchResponse, err error, detector crawler.BlockDetector) (Signal, string) {
	if err != nil {
		return SignalGiveUp, err.Error()
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotAcceptable {
		return SignalBlock, fmt.Sprintf("HTTP %d (headless)", resp.StatusCode)
	}
	return classifyContent(resp.Body, detector)
}

func classifyContent(body []byte, detector crawler.BlockDetector) (Signal, string) {
	if detector != nil {
		if blocked, reason := detector.Detect(body); blocked {
			return SignalBlock, reason
		}
	} else if len(strings.TrimSpace(string(body))) == 0 {
		return SignalBlock, "empty document"
	}
	return SignalClean, ""
}

func classifyError(err error) (Signal, string) {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return SignalTimeout, err.Error()
	}
	return SignalNetworkError, err.Error()
}

// isHTML reports whether the response is an HTML document, sniffing the body
// when the server sent no Content-Type.
func isHTML(resp crawler.FetchResponse) (string, bool) {
	ct := ""
	if resp.Headers != nil {
		ct = resp.Headers.Get("Content-Type")
	}
	if ct == "" {
		ct = http.DetectContentType(resp.Body)
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	_, ok := htmlTypes[mediaType]
	return mediaType, ok
}
