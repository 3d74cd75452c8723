// Copyright 2016-2022 The Wren Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wren

import (
	"fmt"
)

// The protocol parser is a state machine driven one byte at a time, so any
// token, control line or message payload can be split at any point between
// two socket reads. Arguments and payloads that fit inside one read buffer
// are handed out as slices into it without copying; anything that straddles
// a read is accumulated into parser owned storage first.

type msgArg struct {
	subject []byte
	reply   []byte
	sid     int64
	size    int
}

// The accumulation scratch covers the common control line without touching
// the heap.
const maxControlLineSize = 1024

type parseState struct {
	state   int
	as      int // start of the current argument section in buf
	drop    int // trailing bytes (CR) to drop from the argument section
	ma      msgArg
	argBuf  []byte // control line accumulation across reads
	msgBuf  []byte // payload accumulation across reads
	scratch [maxControlLineSize]byte
}

const (
	OP_START = iota
	OP_PLUS
	OP_PLUS_O
	OP_PLUS_OK
	OP_MINUS
	OP_MINUS_E
	OP_MINUS_ER
	OP_MINUS_ERR
	OP_MINUS_ERR_SPC
	MINUS_ERR_ARG
	OP_M
	OP_MS
	OP_MSG
	OP_MSG_SPC
	MSG_ARG
	MSG_PAYLOAD
	MSG_END
	OP_P
	OP_PI
	OP_PIN
	OP_PING
	OP_PO
	OP_PON
	OP_PONG
	OP_I
	OP_IN
	OP_INF
	OP_INFO
	OP_INFO_SPC
	INFO_ARG
)

// parse is the primary entry point for the protocol parser. It consumes a
// byte slice from the read loop and dispatches protocol events as they
// complete. An error leaves the parser with no references into buf and is
// terminal for the connection.
func (nc *Conn) parse(buf []byte) error {
	var i int
	var b byte

	p := nc.ps

	for i = 0; i < len(buf); i++ {
		b = buf[i]

		switch p.state {
		case OP_START:
			switch b {
			case 'M', 'm':
				p.state = OP_M
			case 'P', 'p':
				p.state = OP_P
			case '+':
				p.state = OP_PLUS
			case '-':
				p.state = OP_MINUS
			case 'I', 'i':
				p.state = OP_I
			default:
				goto parseErr
			}
		case OP_M:
			switch b {
			case 'S', 's':
				p.state = OP_MS
			default:
				goto parseErr
			}
		case OP_MS:
			switch b {
			case 'G', 'g':
				p.state = OP_MSG
			default:
				goto parseErr
			}
		case OP_MSG:
			switch b {
			case ' ', '\t':
				p.state = OP_MSG_SPC
			default:
				goto parseErr
			}
		case OP_MSG_SPC:
			switch b {
			case ' ', '\t':
				continue
			default:
				p.state = MSG_ARG
				p.as = i
			}
		case MSG_ARG:
			switch b {
			case '\r':
				p.drop = 1
			case '\n':
				var arg []byte
				if p.argBuf != nil {
					arg = p.argBuf
				} else {
					arg = buf[p.as : i-p.drop]
				}
				if err := nc.processMsgArgs(arg); err != nil {
					p.argBuf, p.msgBuf = nil, nil
					p.ma = msgArg{}
					return err
				}
				p.drop, p.as, p.state = 0, i+1, MSG_PAYLOAD

				// jump ahead with the index. If this overruns
				// what is left we fall out and process a split
				// buffer.
				i = p.as + p.ma.size - 1
			default:
				if p.argBuf != nil {
					p.argBuf = append(p.argBuf, b)
				}
			}
		case MSG_PAYLOAD:
			if p.msgBuf != nil {
				// copy as much as we can to the buffer and skip ahead.
				toCopy := p.ma.size - len(p.msgBuf)
				avail := len(buf) - i
				if avail < toCopy {
					toCopy = avail
				}
				if toCopy > 0 {
					start := len(p.msgBuf)
					// This is needed for copy to work.
					p.msgBuf = p.msgBuf[:start+toCopy]
					copy(p.msgBuf[start:], buf[i:i+toCopy])
					// Update our index
					i = (i + toCopy) - 1
				}
				if len(p.msgBuf) >= p.ma.size {
					nc.processMsg(p.msgBuf)
					p.argBuf, p.msgBuf, p.state = nil, nil, MSG_END
				}
			} else if i-p.as >= p.ma.size {
				nc.processMsg(buf[p.as:i])
				p.argBuf, p.msgBuf, p.state = nil, nil, MSG_END
			}
		case MSG_END:
			switch b {
			case '\n':
				p.drop, p.as, p.state = 0, i+1, OP_START
			default:
				continue
			}
		case OP_PLUS:
			switch b {
			case 'O', 'o':
				p.state = OP_PLUS_O
			default:
				goto parseErr
			}
		case OP_PLUS_O:
			switch b {
			case 'K', 'k':
				p.state = OP_PLUS_OK
			default:
				goto parseErr
			}
		case OP_PLUS_OK:
			switch b {
			case '\n':
				nc.processOK()
				p.drop, p.state = 0, OP_START
			}
		case OP_MINUS:
			switch b {
			case 'E', 'e':
				p.state = OP_MINUS_E
			default:
				goto parseErr
			}
		case OP_MINUS_E:
			switch b {
			case 'R', 'r':
				p.state = OP_MINUS_ER
			default:
				goto parseErr
			}
		case OP_MINUS_ER:
			switch b {
			case 'R', 'r':
				p.state = OP_MINUS_ERR
			default:
				goto parseErr
			}
		case OP_MINUS_ERR:
			switch b {
			case ' ', '\t':
				p.state = OP_MINUS_ERR_SPC
			default:
				goto parseErr
			}
		case OP_MINUS_ERR_SPC:
			switch b {
			case ' ', '\t':
				continue
			default:
				p.state = MINUS_ERR_ARG
				p.as = i
			}
		case MINUS_ERR_ARG:
			switch b {
			case '\r':
				p.drop = 1
			case '\n':
				var arg []byte
				if p.argBuf != nil {
					arg = p.argBuf
					p.argBuf = nil
				} else {
					arg = buf[p.as : i-p.drop]
				}
				nc.processErr(string(arg))
				p.drop, p.as, p.state = 0, i+1, OP_START
			default:
				if p.argBuf != nil {
					p.argBuf = append(p.argBuf, b)
				}
			}
		case OP_P:
			switch b {
			case 'I', 'i':
				p.state = OP_PI
			case 'O', 'o':
				p.state = OP_PO
			default:
				goto parseErr
			}
		case OP_PO:
			switch b {
			case 'N', 'n':
				p.state = OP_PON
			default:
				goto parseErr
			}
		case OP_PON:
			switch b {
			case 'G', 'g':
				p.state = OP_PONG
			default:
				goto parseErr
			}
		case OP_PONG:
			switch b {
			case '\n':
				nc.processPong()
				p.drop, p.state = 0, OP_START
			}
		case OP_PI:
			switch b {
			case 'N', 'n':
				p.state = OP_PIN
			default:
				goto parseErr
			}
		case OP_PIN:
			switch b {
			case 'G', 'g':
				p.state = OP_PING
			default:
				goto parseErr
			}
		case OP_PING:
			switch b {
			case '\n':
				nc.processPing()
				p.drop, p.state = 0, OP_START
			}
		case OP_I:
			switch b {
			case 'N', 'n':
				p.state = OP_IN
			default:
				goto parseErr
			}
		case OP_IN:
			switch b {
			case 'F', 'f':
				p.state = OP_INF
			default:
				goto parseErr
			}
		case OP_INF:
			switch b {
			case 'O', 'o':
				p.state = OP_INFO
			default:
				goto parseErr
			}
		case OP_INFO:
			switch b {
			case ' ', '\t':
				p.state = OP_INFO_SPC
			default:
				goto parseErr
			}
		case OP_INFO_SPC:
			switch b {
			case ' ', '\t':
				continue
			default:
				p.state = INFO_ARG
				p.as = i
			}
		case INFO_ARG:
			switch b {
			case '\r':
				p.drop = 1
			case '\n':
				var arg []byte
				if p.argBuf != nil {
					arg = p.argBuf
					p.argBuf = nil
				} else {
					arg = buf[p.as : i-p.drop]
				}
				nc.processAsyncInfo(arg)
				p.drop, p.as, p.state = 0, i+1, OP_START
			default:
				if p.argBuf != nil {
					p.argBuf = append(p.argBuf, b)
				}
			}
		default:
			goto parseErr
		}
	}

	// Check for split buffer scenarios for any argument state.
	if (p.state == MSG_ARG || p.state == MINUS_ERR_ARG || p.state == INFO_ARG) && p.argBuf == nil {
		p.argBuf = p.scratch[:0]
		p.argBuf = append(p.argBuf, buf[p.as:i-p.drop]...)
		// The scratch may not hold an oversized control line; argBuf moves
		// to the heap transparently through append when it does not.
	}
	// Check for split msg.
	if p.state == MSG_PAYLOAD && p.msgBuf == nil {
		// We need to clone the msgArg if it is still referencing the
		// read buffer and we are not able to process the msg.
		if p.argBuf == nil {
			nc.cloneMsgArg()
		}

		// If we will overflow the scratch buffer, just create a
		// new buffer to hold the split message.
		if p.ma.size > cap(p.scratch)-len(p.argBuf) {
			lrem := len(buf[p.as:])
			p.msgBuf = make([]byte, lrem, p.ma.size)
			copy(p.msgBuf, buf[p.as:])
		} else {
			p.msgBuf = p.scratch[len(p.argBuf):len(p.argBuf)]
			p.msgBuf = append(p.msgBuf, buf[p.as:]...)
		}
	}

	return nil

parseErr:
	// Drop any accumulation and report where in the state machine the
	// stream stopped making sense, with a bounded excerpt.
	p.argBuf, p.msgBuf = nil, nil
	p.ma = msgArg{}
	snippet := buf[i:]
	if len(snippet) > 32 {
		snippet = snippet[:32]
	}
	return fmt.Errorf("wren: parse error [%d]: %q", p.state, snippet)
}

// cloneMsgArg is used when the split buffer scenario has the pubArg in the
// existing read buffer. We will copy it into the scratch (or the heap when
// oversized) so the subject and reply survive the next read.
func (nc *Conn) cloneMsgArg() {
	p := nc.ps
	p.argBuf = p.scratch[:0]
	p.argBuf = append(p.argBuf, p.ma.subject...)
	p.argBuf = append(p.argBuf, p.ma.reply...)
	p.ma.subject = p.argBuf[:len(p.ma.subject)]
	if p.ma.reply != nil {
		p.ma.reply = p.argBuf[len(p.ma.subject):]
	}
}

// processMsgArgs parses the three or four token control line of a MSG
// frame: subject sid [reply] size.
func (nc *Conn) processMsgArgs(arg []byte) error {
	p := nc.ps

	// Unroll splitArgs to avoid runtime/heap issues.
	a := [4][]byte{}
	args := a[:0]
	start := -1
	for i, b := range arg {
		switch b {
		case ' ', '\t', '\r', '\n':
			if start >= 0 {
				args = append(args, arg[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		args = append(args, arg[start:])
	}

	switch len(args) {
	case 3:
		p.ma.subject = args[0]
		p.ma.sid = parseInt64(args[1])
		p.ma.reply = nil
		p.ma.size = int(parseInt64(args[2]))
	case 4:
		p.ma.subject = args[0]
		p.ma.sid = parseInt64(args[1])
		p.ma.reply = args[2]
		p.ma.size = int(parseInt64(args[3]))
	default:
		return fmt.Errorf("wren: processMsgArgs bad number of args: %q", arg)
	}
	if p.ma.sid < 0 {
		return fmt.Errorf("wren: processMsgArgs bad or missing sid: %q", arg)
	}
	if p.ma.size < 0 {
		return fmt.Errorf("wren: processMsgArgs bad or missing size: %q", arg)
	}
	return nil
}

// parseInt64 expects decimal positive numbers. We return -1 to signal error.
func parseInt64(d []byte) (n int64) {
	if len(d) == 0 {
		return -1
	}
	for _, dec := range d {
		if dec < '0' || dec > '9' {
			return -1
		}
		n = n*10 + (int64(dec) - '0')
	}
	return n
}
