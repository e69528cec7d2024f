package chatui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/tubechat/pkg/bus"
	"github.com/go-go-golems/tubechat/pkg/chat"
	"github.com/go-go-golems/tubechat/pkg/resource"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#667eea"))
	channelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#764ba2"))
	timeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#28a745"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffc107"))
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("240"))
)

// FallbackTitle names a video that was derived from a page location only.
const FallbackTitle = "YouTube Video"

// VideoChangedMsg tells the model that the relay switched videos. Fallback
// marks a video derived from the fallback location.
type VideoChangedMsg struct {
	Video    resource.Descriptor
	Fallback bool
}

type statusMsg struct {
	status bus.APIStatus
	err    error
}

type healthMsg struct {
	health bus.HealthResult
	err    error
}

type answerMsg struct {
	message chat.Message
}

type noticeMsg string

// Model is the bubbletea front end of a Session.
type Model struct {
	ctx       context.Context
	session   *Session
	client    *bus.Client
	threshold float64

	input    textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer

	width  int
	height int

	status bus.APIStatus
	health bus.HealthResult
	notice string

	fallbackURL string
	fallback    bool
}

type ModelOption func(*Model)

// WithFallbackURL sets the watch page location used when the relay knows no
// video.
func WithFallbackURL(location string) ModelOption {
	return func(m *Model) {
		m.fallbackURL = strings.TrimSpace(location)
	}
}

// NewModel builds the UI. client may be nil, in which case API status and the
// current video are not fetched.
func NewModel(ctx context.Context, session *Session, client *bus.Client, opts ...ModelOption) Model {
	ta := textarea.New()
	ta.Placeholder = "Please open a YouTube video first..."
	ta.CharLimit = session.MaxMessageLength()
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#667eea"))

	vp := viewport.New(80, 16)

	m := Model{
		ctx:       ctx,
		session:   session,
		client:    client,
		threshold: chat.DefaultConfidenceThreshold,
		input:     ta,
		viewport:  vp,
		spinner:   sp,
		width:     80,
		height:    24,
	}
	for _, o := range opts {
		o(&m)
	}
	m.refresh()
	return m
}

// Forwarder returns a notification handler that feeds relay broadcasts into p.
func Forwarder(p *tea.Program) func(ctx context.Context, env bus.Envelope) {
	return func(ctx context.Context, env bus.Envelope) {
		if env.Type != bus.TypeVideoChanged {
			return
		}
		var vc bus.VideoChanged
		if err := env.Decode(&vc); err != nil {
			log.Debug().Err(err).Str("component", "chatui").Msg("undecodable VIDEO_CHANGED")
			return
		}
		p.Send(VideoChangedMsg{Video: vc.VideoInfo})
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.fetchStatus(), m.fetchHealth(), m.fetchVideo())
}

func (m Model) fetchStatus() tea.Cmd {
	if m.client == nil {
		return nil
	}
	return func() tea.Msg {
		st, err := m.client.Status(m.ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m Model) fetchHealth() tea.Cmd {
	if m.client == nil {
		return nil
	}
	return func() tea.Msg {
		h, err := m.client.Health(m.ctx)
		return healthMsg{health: h, err: err}
	}
}

// fetchVideo asks the relay for the current video. When the relay knows none
// or does not answer, a video is derived from the fallback location and
// reported to the relay so questions about it can be answered.
func (m Model) fetchVideo() tea.Cmd {
	if m.client == nil && m.fallbackURL == "" {
		return nil
	}
	return func() tea.Msg {
		var relayErr error
		if m.client != nil {
			d, err := m.client.CurrentVideo(m.ctx, "")
			if err == nil && d.HasIdentity() {
				return VideoChangedMsg{Video: d}
			}
			relayErr = err
		}
		if d, ok := FallbackVideo(m.fallbackURL, time.Now()); ok {
			if m.client != nil {
				if err := m.client.DetectVideo(m.ctx, d, ""); err != nil {
					log.Debug().Err(err).Str("component", "chatui").Str("video_id", d.ID).Msg("relay did not take the fallback video")
				}
			}
			return VideoChangedMsg{Video: d, Fallback: true}
		}
		if relayErr != nil {
			return noticeMsg("relay unavailable: " + relayErr.Error())
		}
		return VideoChangedMsg{}
	}
}

// FallbackVideo builds a descriptor from a watch page location alone.
func FallbackVideo(location string, now time.Time) (resource.Descriptor, bool) {
	id, ok := resource.ParseID(location)
	if !ok {
		return resource.Descriptor{}, false
	}
	d := resource.Placeholder(id, strings.TrimSpace(location), now)
	d.Title = FallbackTitle
	return d, true
}

func finish(ctx context.Context, ex *Exchange) tea.Cmd {
	return func() tea.Msg {
		return answerMsg{message: ex.Finish(ctx)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = ev.Width, ev.Height
		m.layout()
		m.renderer = nil
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch ev.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m.submit()
		case "ctrl+l":
			if err := m.session.Clear(m.ctx); err != nil {
				m.notice = err.Error()
			} else {
				m.notice = "conversation cleared"
			}
			m.refresh()
			return m, nil
		case "ctrl+y":
			m.notice = m.copyLastAnswer()
			return m, nil
		}

	case VideoChangedMsg:
		// The relay echoes a reported fallback video back as VIDEO_CHANGED.
		m.fallback = ev.Fallback || (m.fallback && ev.Video.HasIdentity() && ev.Video.ID == m.session.Resource().ID)
		if err := m.session.SetResource(m.ctx, ev.Video); err != nil {
			m.notice = err.Error()
		}
		m.refresh()
		return m, nil

	case answerMsg:
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil

	case statusMsg:
		if ev.err != nil {
			m.notice = "status: " + ev.err.Error()
		} else {
			m.status = ev.status
		}
		return m, nil

	case healthMsg:
		if ev.err != nil {
			m.health = bus.HealthResult{Status: "unreachable", Error: ev.err.Error()}
		} else {
			m.health = ev.health
		}
		return m, nil

	case noticeMsg:
		m.notice = string(ev)
		return m, nil

	case spinner.TickMsg:
		if m.session.State() != StateSubmitting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(ev)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	ex, ok := m.session.Begin(m.input.Value())
	if !ok {
		return m, nil
	}
	m.input.Reset()
	m.notice = ""
	m.refresh()
	m.viewport.GotoBottom()
	return m, tea.Batch(m.spinner.Tick, finish(m.ctx, ex))
}

func (m Model) copyLastAnswer() string {
	msgs := m.session.Transcript()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender != chat.SenderAssistant {
			continue
		}
		if err := clipboard.WriteAll(msgs[i].DisplayText(m.threshold)); err != nil {
			return "copy failed: " + err.Error()
		}
		return "answer copied to clipboard"
	}
	return "nothing to copy yet"
}

func (m *Model) layout() {
	m.input.SetWidth(m.width)
	m.viewport.Width = m.width
	h := m.height - lipgloss.Height(m.header()) - m.input.Height() - 3
	if h < 3 {
		h = 3
	}
	m.viewport.Height = h
}

func (m *Model) refresh() {
	d := m.session.Resource()
	if d.HasIdentity() {
		m.input.Placeholder = fmt.Sprintf("Ask about %q...", d.Title)
	} else {
		m.input.Placeholder = "Please open a YouTube video first..."
	}
	m.viewport.SetContent(m.transcript())
}

func (m *Model) markdown(text string) string {
	if m.renderer == nil {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(max(m.width-4, 20)))
		if err != nil {
			return text
		}
		m.renderer = r
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (m *Model) transcript() string {
	msgs := m.session.Transcript()
	if len(msgs) == 0 {
		return assistantStyle.Render("Assistant") + "\n" + WelcomeText
	}
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		stamp := timeStyle.Render(msg.Timestamp().Format("15:04"))
		switch {
		case msg.Sender == chat.SenderUser:
			b.WriteString(userStyle.Render("You") + " " + stamp + "\n" + msg.Text)
		case msg.IsError():
			b.WriteString(assistantStyle.Render("Assistant") + " " + stamp + "\n" + errorStyle.Render(msg.Text))
		default:
			b.WriteString(assistantStyle.Render("Assistant") + " " + stamp + "\n" + m.markdown(msg.DisplayText(m.threshold)))
		}
	}
	return b.String()
}

func (m Model) header() string {
	d := m.session.Resource()
	var video string
	if d.HasIdentity() {
		video = titleStyle.Render(d.Title) + "\n" + channelStyle.Render(d.Channel)
		if m.fallback {
			video += mutedStyle.Render(" · ") + warnStyle.Render("Connected (fallback mode)")
		}
	} else {
		video = mutedStyle.Render("No YouTube video detected")
	}

	var api string
	switch {
	case m.status.IsConfigured:
		api = okStyle.Render("API Connected")
	default:
		api = warnStyle.Render("API Not Configured")
	}
	if m.health.Status != "" {
		style := okStyle
		if !m.health.Success {
			style = errorStyle
		}
		api += mutedStyle.Render(" · ") + style.Render(m.health.Status)
	}
	return headerStyle.Width(m.width).Render(video + "\n" + api)
}

func (m Model) counter() string {
	n := len([]rune(m.input.Value()))
	limit := m.session.MaxMessageLength()
	text := fmt.Sprintf("%d/%d", n, limit)
	switch {
	case n > limit*9/10:
		return errorStyle.Render(text)
	case n > limit*7/10:
		return warnStyle.Render(text)
	default:
		return mutedStyle.Render(text)
	}
}

func (m Model) View() string {
	var footer string
	if m.session.State() == StateSubmitting {
		footer = m.spinner.View() + " thinking..."
	} else {
		footer = mutedStyle.Render("enter send · ctrl+l clear · ctrl+y copy · esc quit")
	}
	footer += "  " + m.counter()
	if m.notice != "" {
		footer += "  " + mutedStyle.Render(m.notice)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.viewport.View(),
		m.input.View(),
		footer,
	)
}

// Run starts the terminal UI and blocks until the user quits.
func Run(ctx context.Context, session *Session, client *bus.Client, opts ...ModelOption) error {
	p := tea.NewProgram(NewModel(ctx, session, client, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	if client != nil {
		if err := client.Notifications(Forwarder(p)); err != nil {
			return err
		}
	}
	started := time.Now()
	_, err := p.Run()
	log.Debug().Err(err).Str("component", "chatui").Dur("uptime", time.Since(started)).Msg("chat ui finished")
	return err
}
