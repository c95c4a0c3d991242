package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	bbsPromptDebounce = 2 * time.Second
	bbsBulletinList   = 10
)

// BBSUser is the stored profile for a callsign base.
type BBSUser struct {
	Callsign  string    `json:"callsign"`
	Name      string    `json:"name"`
	QTH       string    `json:"qth"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// bbsState is a tagged variant: each state carries only its own scratch
// data and the transition function switches on the concrete type.
type bbsState interface {
	bbsStateName() string
}

type stateAwaitingName struct{}
type stateAwaitingQTH struct{ name string }
type stateMain struct{}
type statePostRead struct{ msgNum int }
type stateComposing struct {
	recipient string
	subject   string
	replyTo   int
	category  BBSCategory
	buffer    []string
}

func (stateAwaitingName) bbsStateName() string { return "awaiting-name" }
func (stateAwaitingQTH) bbsStateName() string  { return "awaiting-qth" }
func (stateMain) bbsStateName() string         { return "main" }
func (statePostRead) bbsStateName() string     { return "post-read" }
func (stateComposing) bbsStateName() string    { return "composing" }

type bbsSession struct {
	state      bbsState
	lineBuf    string
	lastPrompt time.Time
	promptText string
}

// BBS is the bulletin-board service. It consumes connected-mode session
// data and, optionally, APRS UI messages addressed to the node call.
type BBS struct {
	nodeCall Callsign
	store    *BBSStore
	cm       *ChannelManager
	persist  *PersistentStore
	alerter  *MessageAlerter

	// Channels on which APRS one-shot commands are honored. Empty means
	// none: UI-frame access is deny-by-default.
	aprsChannels map[string]bool

	mu       sync.Mutex
	sessions map[*AX25Session]*bbsSession
	users    map[string]*BBSUser // by callsign base
}

// NewBBS wires the BBS onto a session manager and channel manager.
func NewBBS(nodeCall Callsign, store *BBSStore, sm *AX25SessionManager, cm *ChannelManager, persist *PersistentStore) *BBS {
	b := &BBS{
		nodeCall:     nodeCall,
		store:        store,
		cm:           cm,
		persist:      persist,
		aprsChannels: make(map[string]bool),
		sessions:     make(map[*AX25Session]*bbsSession),
		users:        make(map[string]*BBSUser),
	}
	b.loadUsers()
	if sm != nil {
		sm.OnConnect(b.handleConnect)
		sm.OnData(b.handleData)
		sm.OnClose(b.handleClose)
	}
	if cm != nil {
		cm.OnFrame(b.handleUIFrame)
	}
	return b
}

// SetAlerter lets the alerter observe retrievals so reminders reset.
func (b *BBS) SetAlerter(a *MessageAlerter) {
	b.mu.Lock()
	b.alerter = a
	b.mu.Unlock()
}

// AllowAPRSChannel opens UI-frame command access on a channel.
func (b *BBS) AllowAPRSChannel(channel string) {
	b.mu.Lock()
	b.aprsChannels[channel] = true
	b.mu.Unlock()
}

func (b *BBS) loadUsers() {
	if b.persist == nil {
		return
	}
	var users map[string]*BBSUser
	err := b.persist.Load(PersistKeyBBSUsers, &users)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("BBS: load users: %v", err)
		}
		return
	}
	b.users = users
	log.Printf("BBS: loaded %d user profiles", len(users))
}

func (b *BBS) saveUsersLocked() {
	if b.persist == nil {
		return
	}
	users := make(map[string]*BBSUser, len(b.users))
	for k, v := range b.users {
		users[k] = v
	}
	go func() {
		if err := b.persist.Save(PersistKeyBBSUsers, users); err != nil {
			log.Printf("BBS: save users: %v", err)
		}
	}()
}

func (b *BBS) handleConnect(s *AX25Session) {
	b.mu.Lock()
	bs := &bbsSession{}
	b.sessions[s] = bs
	user := b.users[s.Remote.Base]
	if user != nil {
		user.LastSeen = time.Now()
		b.saveUsersLocked()
	}
	b.mu.Unlock()

	if user == nil {
		bs.state = stateAwaitingName{}
		b.prompt(s, bs, fmt.Sprintf("%s Packet BBS\r\nEnter your Name:\r\n", b.nodeCall))
		return
	}
	bs.state = stateMain{}
	unread := b.store.UnreadCountFor(s.Remote)
	greeting := fmt.Sprintf("%s Packet BBS\r\nWelcome back, %s.", b.nodeCall, user.Name)
	if unread > 0 {
		greeting += fmt.Sprintf(" You have %d unread message(s).", unread)
	}
	s.SendText(greeting + "\r\n" + bbsMenu())
}

func (b *BBS) handleClose(s *AX25Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
}

// handleData reassembles I-frame payloads into CR/LF-terminated lines and
// feeds complete lines to the state machine.
func (b *BBS) handleData(s *AX25Session, payload []byte) {
	b.mu.Lock()
	bs := b.sessions[s]
	b.mu.Unlock()
	if bs == nil {
		return
	}
	bs.lineBuf += string(payload)
	for {
		i := strings.IndexAny(bs.lineBuf, "\r\n")
		if i < 0 {
			return
		}
		line := bs.lineBuf[:i]
		bs.lineBuf = strings.TrimLeft(bs.lineBuf[i+1:], "\r\n")
		b.handleLine(s, bs, line)
	}
}

// prompt sends text unless the same prompt went out within the debounce
// window. Link-layer retransmits of the line that triggered a prompt would
// otherwise double it.
func (b *BBS) prompt(s *AX25Session, bs *bbsSession, text string) {
	now := time.Now()
	if bs.promptText == text && now.Sub(bs.lastPrompt) < bbsPromptDebounce {
		return
	}
	bs.promptText = text
	bs.lastPrompt = now
	s.SendText(text)
}

func (b *BBS) handleLine(s *AX25Session, bs *bbsSession, line string) {
	line = strings.TrimSpace(line)

	switch st := bs.state.(type) {
	case stateAwaitingName:
		if line == "" {
			b.prompt(s, bs, "Enter your Name:\r\n")
			return
		}
		bs.state = stateAwaitingQTH{name: line}
		s.SendText(fmt.Sprintf("Thanks, %s.\r\n", line))
		b.prompt(s, bs, "Enter your QTH (City, ST): ")

	case stateAwaitingQTH:
		if line == "" {
			b.prompt(s, bs, "Enter your QTH (City, ST): ")
			return
		}
		now := time.Now()
		b.mu.Lock()
		b.users[s.Remote.Base] = &BBSUser{
			Callsign:  s.Remote.String(),
			Name:      st.name,
			QTH:       line,
			FirstSeen: now,
			LastSeen:  now,
		}
		b.saveUsersLocked()
		b.mu.Unlock()
		bs.state = stateMain{}
		s.SendText("Registered. " + bbsMenu())

	case stateMain:
		b.handleCommand(s, bs, line)

	case statePostRead:
		b.handlePostRead(s, bs, st, line)

	case stateComposing:
		b.handleComposeLine(s, bs, st, line)

	default:
		bs.state = stateMain{}
	}
}

func bbsMenu() string {
	return "Commands: H)elp L)ist P)ersonal R n S CALL text M CALL B)ye\r\n> "
}

func (b *BBS) handleCommand(s *AX25Session, bs *bbsSession, line string) {
	if line == "" {
		s.SendText("> ")
		return
	}
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])

	switch cmd {
	case "H", "HELP", "?":
		s.SendText(bbsMenu())

	case "L", "LIST":
		b.listBulletins(s)

	case "P", "PERSONAL":
		b.listPersonal(s)

	case "R", "READ":
		if len(fields) < 2 {
			s.SendText("Usage: R n\r\n> ")
			return
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			s.SendText("Usage: R n\r\n> ")
			return
		}
		b.readMessage(s, bs, n)

	case "S", "SEND":
		rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		b.oneShotSend(s, rest)

	case "M", "MSG":
		if len(fields) < 2 {
			s.SendText("Usage: M CALL\r\n> ")
			return
		}
		recipient, err := ParseCallsign(strings.ToUpper(fields[1]))
		if err != nil {
			s.SendText("Bad callsign.\r\n> ")
			return
		}
		bs.state = stateComposing{
			recipient: recipient.String(),
			category:  CategoryPersonal,
		}
		s.SendText(fmt.Sprintf("Composing to %s. End with a single '.' line.\r\n", recipient))

	case "B", "BYE":
		s.SendText("73\r\n")
		s.Disconnect()

	default:
		// Free text at the main prompt posts a community bulletin.
		b.store.AddMessage(&BBSMessage{
			Sender:    s.Remote.String(),
			Recipient: "ALL",
			Content:   line,
			Category:  CategoryBulletin,
		})
		s.SendText("Posted as bulletin to ALL.\r\n> ")
	}
}

func (b *BBS) listBulletins(s *AX25Session) {
	msgs := b.store.Bulletins(bbsBulletinList)
	if len(msgs) == 0 {
		s.SendText("No bulletins.\r\n> ")
		return
	}
	var sb strings.Builder
	sb.WriteString("Msg#  Date  From      To        Subject\r\n")
	for _, m := range msgs {
		sb.WriteString(m.FormatListing())
		sb.WriteString("\r\n")
	}
	sb.WriteString("> ")
	s.SendText(sb.String())
}

func (b *BBS) listPersonal(s *AX25Session) {
	msgs := b.store.PersonalFor(s.Remote)
	if len(msgs) == 0 {
		s.SendText("No personal messages.\r\n> ")
		return
	}
	var sb strings.Builder
	for _, m := range msgs {
		flag := "NEW "
		if b.store.readByBase(m, s.Remote) {
			flag = "READ"
		}
		sb.WriteString(fmt.Sprintf("%s %s", flag, m.FormatListing()))
		sb.WriteString("\r\n")
	}
	sb.WriteString("> ")
	s.SendText(sb.String())
}

func (b *BBS) readMessage(s *AX25Session, bs *bbsSession, n int) {
	m, ok := b.store.Get(n)
	if !ok {
		s.SendText(fmt.Sprintf("No message %d.\r\n> ", n))
		return
	}
	if err := b.store.MarkAsRead(n, s.Remote); err != nil {
		log.Printf("BBS: mark read %d: %v", n, err)
	}
	b.mu.Lock()
	alerter := b.alerter
	b.mu.Unlock()
	if alerter != nil && m.Category == CategoryPersonal {
		rc, err := ParseCallsign(m.Recipient)
		if err == nil && rc.BaseEqual(s.Remote) {
			alerter.MarkMessagesRetrieved(s.Remote)
		}
	}
	bs.state = statePostRead{msgNum: n}
	s.SendText(fmt.Sprintf("Msg %d from %s to %s (%s):\r\n%s\r\nY)reply D)elete or any key: ",
		m.MessageNumber, m.Sender, m.Recipient, m.Timestamp.Format("2006-01-02 15:04"), m.Content))
}

func (b *BBS) handlePostRead(s *AX25Session, bs *bbsSession, st statePostRead, line string) {
	switch strings.ToUpper(strings.TrimSpace(line)) {
	case "Y":
		m, ok := b.store.Get(st.msgNum)
		if !ok {
			bs.state = stateMain{}
			s.SendText("> ")
			return
		}
		subject := m.Subject
		if subject == "" {
			subject = firstLine(m.Content)
		}
		bs.state = stateComposing{
			recipient: m.Sender,
			subject:   "Re: " + subject,
			replyTo:   st.msgNum,
			category:  CategoryPersonal,
		}
		s.SendText(fmt.Sprintf("Replying to %s. End with a single '.' line.\r\n", m.Sender))
	case "D":
		if err := b.store.Delete(st.msgNum); err != nil {
			s.SendText(fmt.Sprintf("No message %d.\r\n> ", st.msgNum))
		} else {
			s.SendText(fmt.Sprintf("Deleted %d.\r\n> ", st.msgNum))
		}
		bs.state = stateMain{}
	default:
		bs.state = stateMain{}
		s.SendText("> ")
	}
}

func (b *BBS) handleComposeLine(s *AX25Session, bs *bbsSession, st stateComposing, line string) {
	if strings.TrimSpace(line) != "." {
		st.buffer = append(st.buffer, line)
		bs.state = st
		return
	}
	bs.state = stateMain{}
	content := strings.TrimSpace(strings.Join(st.buffer, "\r\n"))
	if content == "" {
		s.SendText("Cancelled.\r\n> ")
		return
	}
	m := b.store.AddMessage(&BBSMessage{
		Sender:    s.Remote.String(),
		Recipient: st.recipient,
		Subject:   st.subject,
		Content:   content,
		Category:  st.category,
		ReplyTo:   st.replyTo,
	})
	b.notifyNewMessage(m, s.Channel)
	s.SendText(fmt.Sprintf("Posted as message %d.\r\n> ", m.MessageNumber))
}

// oneShotSend handles "S CALL text" without entering compose mode.
func (b *BBS) oneShotSend(s *AX25Session, rest string) {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		s.SendText("Usage: S CALL text\r\n> ")
		return
	}
	recipient, err := ParseCallsign(strings.ToUpper(fields[0]))
	if err != nil {
		s.SendText("Bad callsign.\r\n> ")
		return
	}
	text := strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
	m := b.store.AddMessage(&BBSMessage{
		Sender:    s.Remote.String(),
		Recipient: recipient.String(),
		Content:   text,
		Category:  CategoryPersonal,
	})
	b.notifyNewMessage(m, s.Channel)
	s.SendText(fmt.Sprintf("Posted as message %d.\r\n> ", m.MessageNumber))
}

func (b *BBS) notifyNewMessage(m *BBSMessage, channel string) {
	b.mu.Lock()
	alerter := b.alerter
	b.mu.Unlock()
	if alerter == nil || m.Category != CategoryPersonal {
		return
	}
	rc, err := ParseCallsign(m.Recipient)
	if err != nil {
		return
	}
	alerter.NotifyNewMessage(rc, channel)
}

// handleUIFrame implements the APRS one-shot command surface: a UI frame
// carrying an APRS message addressed to the node call on an allowed
// channel. Unknown channels are ignored outright.
func (b *BBS) handleUIFrame(ev FrameEvent) {
	f := ev.Frame
	if f.Type() != AX25FrameUI || len(f.Payload) == 0 {
		return
	}
	b.mu.Lock()
	allowed := b.aprsChannels[ev.Channel]
	b.mu.Unlock()
	if !allowed {
		return
	}
	msg, ok := ParseAPRSMessage(f.Payload)
	if !ok || msg.IsAck() {
		return
	}
	if !msg.Addressee.BaseEqual(b.nodeCall) {
		return
	}
	src := f.Src().Callsign

	if msg.MsgID != "" {
		ack := NewUIFrame(b.nodeCall, MustCallsign("APRS"), nil, []byte(ComposeAPRSAck(src, msg.MsgID)))
		b.cm.SendFrame(ev.Channel, ack.Build())
	}
	reply := b.aprsCommand(src, msg.Text, ev.Channel)
	if reply == "" {
		return
	}
	for _, chunk := range ChunkAPRSText(reply, 0) {
		b.cm.SendAPRSMessage(APRSMessageParams{
			From:    b.nodeCall,
			To:      src,
			Payload: chunk,
			Channel: ev.Channel,
		})
	}
}

// aprsCommand runs a one-shot command for a UI-frame client. The grammar is
// the stateless subset of the session grammar.
func (b *BBS) aprsCommand(src Callsign, text, channel string) string {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "Commands: L P R n S CALL text"
	}
	switch strings.ToUpper(fields[0]) {
	case "H", "HELP", "?":
		return "Commands: L P R n S CALL text"
	case "L", "LIST":
		msgs := b.store.Bulletins(3)
		if len(msgs) == 0 {
			return "No bulletins"
		}
		var parts []string
		for _, m := range msgs {
			parts = append(parts, fmt.Sprintf("%d:%s", m.MessageNumber, firstLine(m.Content)))
		}
		return strings.Join(parts, " ")
	case "P", "PERSONAL":
		n := b.store.UnreadCountFor(src)
		if n == 0 {
			return "No unread messages"
		}
		return fmt.Sprintf("%d unread message(s), connect to read", n)
	case "R", "READ":
		if len(fields) < 2 {
			return "Usage: R n"
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return "Usage: R n"
		}
		m, ok := b.store.Get(n)
		if !ok {
			return fmt.Sprintf("No message %d", n)
		}
		if err := b.store.MarkAsRead(n, src); err == nil {
			b.mu.Lock()
			alerter := b.alerter
			b.mu.Unlock()
			if alerter != nil {
				rc, err := ParseCallsign(m.Recipient)
				if err == nil && rc.BaseEqual(src) {
					alerter.MarkMessagesRetrieved(src)
				}
			}
		}
		return fmt.Sprintf("%d %s: %s", m.MessageNumber, m.Sender, firstLine(m.Content))
	case "S", "SEND":
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), fields[0]))
		sf := strings.Fields(rest)
		if len(sf) < 2 {
			return "Usage: S CALL text"
		}
		recipient, err := ParseCallsign(strings.ToUpper(sf[0]))
		if err != nil {
			return "Bad callsign"
		}
		body := strings.TrimSpace(strings.TrimPrefix(rest, sf[0]))
		m := b.store.AddMessage(&BBSMessage{
			Sender:    src.String(),
			Recipient: recipient.String(),
			Content:   body,
			Category:  CategoryPersonal,
		})
		b.notifyNewMessage(m, channel)
		return fmt.Sprintf("Posted as message %d", m.MessageNumber)
	default:
		return "Commands: L P R n S CALL text"
	}
}
