package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
	log "github.com/sirupsen/logrus"
)

const httpTimeout = 15 * time.Second

type bencodeTrackerResp struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// buildTrackerURL assembles the announce GET URL with our transfer
// state as query parameters.
func (a *Announcer) buildTrackerURL(event Event, stats Stats) (string, error) {
	base, err := url.Parse(a.announce)
	if err != nil {
		return "", err
	}
	params := url.Values{
		"info_hash":  []string{string(a.infoHash[:])},
		"peer_id":    []string{string(a.peerID[:])},
		"port":       []string{strconv.Itoa(int(a.port))},
		"uploaded":   []string{strconv.Itoa(stats.Uploaded)},
		"downloaded": []string{strconv.Itoa(stats.Downloaded)},
		"left":       []string{strconv.Itoa(stats.Left)},
		"compact":    []string{"1"},
	}
	if event != EventNone {
		params.Add("event", string(event))
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

func (a *Announcer) announceHTTP(ctx context.Context, event Event, stats Stats) (*Response, error) {
	trackerURL, err := a.buildTrackerURL(event, stats)
	if err != nil {
		return nil, err
	}
	log.Debugf("announcing to %v", trackerURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trackerURL, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	trackerResp := bencodeTrackerResp{}
	if err := bencode.Unmarshal(bytes.NewReader(body), &trackerResp); err == nil && trackerResp.Peers != "" {
		if trackerResp.FailureReason != "" {
			return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, trackerResp.FailureReason)
		}
		peers, err := parseCompactPeers([]byte(trackerResp.Peers))
		if err != nil {
			return nil, err
		}
		return &Response{
			Peers:    peers,
			Interval: time.Duration(trackerResp.Interval) * time.Second,
		}, nil
	}

	// Fall back to the dictionary peer model.
	return parseDictResponse(body)
}

// parseDictResponse handles trackers that answer with a list of peer
// dictionaries instead of the compact binary string.
func parseDictResponse(body []byte) (*Response, error) {
	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tracker: decoding announce response: %w", err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok && reason != "" {
		return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, reason)
	}

	interval := time.Duration(0)
	if secs, ok := dict["interval"].(int64); ok {
		interval = time.Duration(secs) * time.Second
	}

	list, ok := dict["peers"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker: announce response carries no peers")
	}

	var peers []PeerAddress
	for _, entry := range list {
		peerDict, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		host, _ := peerDict["ip"].(string)
		port, _ := peerDict["port"].(int64)
		ip := net.ParseIP(host)
		if ip == nil || port <= 0 || port > 65535 {
			log.Debugf("skipping unusable peer entry %v:%v", host, port)
			continue
		}
		peers = append(peers, PeerAddress{IP: ip, Port: uint16(port)})
	}

	return &Response{Peers: peers, Interval: interval}, nil
}
