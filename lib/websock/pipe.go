/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package websock

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
)

// Pipe is an in-memory Conn for tests: two ends exchanging whole
// messages, no network involved.
type Pipe struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	peer   *Pipe
}

// NewPipe returns the two ends of an in-memory connection. Serve one end
// with Server.ServeConn and drive the other from the test.
func NewPipe() (client, server *Pipe) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	client = &Pipe{in: b2a, out: a2b, closed: make(chan struct{})}
	server = &Pipe{in: a2b, out: b2a, closed: make(chan struct{})}
	client.peer = server
	server.peer = client
	return client, server
}

// ReadMessage implements Conn.
func (p *Pipe) ReadMessage() (int, []byte, error) {
	select {
	case data := <-p.in:
		return websocket.TextMessage, data, nil
	case <-p.closed:
		return 0, nil, io.EOF
	case <-p.peer.closed:
		return 0, nil, io.EOF
	}
}

// WriteMessage implements Conn.
func (p *Pipe) WriteMessage(messageType int, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return trace.ConnectionProblem(nil, "pipe is closed")
	case <-p.peer.closed:
		return trace.ConnectionProblem(nil, "pipe is closed")
	}
}

// SetReadLimit implements Conn.
func (p *Pipe) SetReadLimit(limit int64) {}

// Close implements Conn.
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// SendFrame marshals and writes a frame from this end.
func (p *Pipe) SendFrame(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return trace.Wrap(err)
	}
	return p.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads and unmarshals the next frame arriving at this end.
func (p *Pipe) ReadFrame() (Frame, error) {
	_, data, err := p.ReadMessage()
	if err != nil {
		return Frame{}, trace.Wrap(err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, trace.Wrap(err)
	}
	return frame, nil
}
