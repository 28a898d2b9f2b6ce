package healthschool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
	"nhooyr.io/websocket"
)

// Destinations of the chat broker.
func chatTopic(roomID string) string      { return "/subscribe/chat/room/" + roomID }
func systemTopic(roomID string) string    { return "/subscribe/enter/room/" + roomID }
func publishMessage(roomID string) string { return "/publish/chat/message/" + roomID }
func publishLeave(roomID string) string   { return "/publish/chat/room/leave/" + roomID }

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// encodeFrame renders f as one websocket message.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	if len(f.Body) > 0 && f.Header.Get(frame.ContentLength) == "" {
		f.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFrame parses one websocket message. A nil frame with a nil error is a
// heart-beat.
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if errors.Is(err, io.EOF) && f == nil {
		return nil, nil
	}
	return f, err
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readFrame returns the next non heart-beat frame.
func readFrame(ctx context.Context, conn *websocket.Conn) (*frame.Frame, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		f, err := decodeFrame(data)
		if err != nil {
			return nil, &ProtocolError{Channel: ChannelChat, Reason: "decode frame", Err: err}
		}
		if f != nil {
			return f, nil
		}
	}
}

func connectFrame(host, token string) *frame.Frame {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1,1.0",
		frame.Host, host,
		frame.HeartBeat, "0,0",
	)
	if token != "" {
		f.Header.Add("Authorization", "Bearer "+token)
	}
	return f
}

func subscribeFrame(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	return f
}

// stompError turns an ERROR frame into an AuthError or ProtocolError.
func stompError(f *frame.Frame) error {
	msg := f.Header.Get(frame.Message)
	if msg == "" {
		msg = strings.TrimSpace(string(f.Body))
	}
	lower := strings.ToLower(msg + " " + string(f.Body))
	for _, hint := range []string{"unauthorized", "forbidden", "access denied", "401", "403", "token"} {
		if strings.Contains(lower, hint) {
			return &AuthError{StatusCode: 401, Message: msg}
		}
	}
	return &ProtocolError{Channel: ChannelChat, Reason: "broker error", Err: errors.New(msg)}
}
