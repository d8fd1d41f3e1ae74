package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"deepchat-go/internal/config"
	"deepchat-go/internal/event"
	"deepchat-go/internal/model"
	"deepchat-go/internal/repository"
	"deepchat-go/internal/tools"
	"deepchat-go/pkg/llm"
	"deepchat-go/pkg/log"
)

// MaxSteps 是每轮对话最多调用模型的次数（含工具调用轮次）。
const MaxSteps = 3

// 生成完成后保存助手消息的超时时间。
const completionTimeout = 10 * time.Second

// ChatService 负责驱动模型生成并在完成后持久化助手回复。
type ChatService interface {
	// StartTurn 在后台启动生成，调用方从 Generation.Chunks() 读取增量输出。
	StartTurn(ctx context.Context, turn *Turn) *Generation
	// Stop 取消该会话所有进行中的生成，返回被取消的数量。
	Stop(conversationID string) int
}

type chatService struct {
	cfg     config.LLMConfig
	client  llm.Client
	repo    repository.ConversationRepository
	tools   *tools.Registry
	bus     event.Bus
	tracker *event.Tracker

	mu       sync.Mutex
	inflight map[string]map[*Generation]struct{}
}

// NewChatService 创建一个新的 ChatService 实例。bus 和 tracker 可以为 nil。
func NewChatService(cfg config.LLMConfig, client llm.Client, repo repository.ConversationRepository, registry *tools.Registry, bus event.Bus, tracker *event.Tracker) ChatService {
	return &chatService{
		cfg:      cfg,
		client:   client,
		repo:     repo,
		tools:    registry,
		bus:      bus,
		tracker:  tracker,
		inflight: make(map[string]map[*Generation]struct{}),
	}
}

func (s *chatService) StartTurn(ctx context.Context, turn *Turn) *Generation {
	convID := turn.Conversation.ID
	g := newGeneration(ctx, func(ctx context.Context, text string) error {
		return s.complete(ctx, turn, text)
	})
	g.executeTool = s.executeTool

	s.register(convID, g)
	go func() {
		defer s.unregister(convID, g)
		g.run(s.buildMessages(turn.History), s.step)
	}()
	return g
}

func (s *chatService) Stop(conversationID string) int {
	s.mu.Lock()
	gens := make([]*Generation, 0, len(s.inflight[conversationID]))
	for g := range s.inflight[conversationID] {
		gens = append(gens, g)
	}
	s.mu.Unlock()

	for _, g := range gens {
		g.Cancel()
	}
	if len(gens) > 0 {
		log.Infow("generation stopped", "conversationId", conversationID, "count", len(gens))
	}
	return len(gens)
}

func (s *chatService) register(convID string, g *Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[convID] == nil {
		s.inflight[convID] = make(map[*Generation]struct{})
	}
	s.inflight[convID][g] = struct{}{}
}

func (s *chatService) unregister(convID string, g *Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight[convID], g)
	if len(s.inflight[convID]) == 0 {
		delete(s.inflight, convID)
	}
}

// buildMessages 组装 system prompt 与历史，并按 token 预算裁剪。
func (s *chatService) buildMessages(history []model.ChatMessage) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	if s.cfg.SystemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: string(model.RoleSystem), Content: s.cfg.SystemPrompt})
	}
	for _, m := range history {
		switch m.Role {
		case model.RoleUser:
			content, imageURL := model.NormalizeImage(m.Content, m.ImageURL)
			lm := llm.Message{Role: "user", Content: content}
			if imageURL != nil {
				lm.ImageURL = *imageURL
			}
			msgs = append(msgs, lm)
		case model.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: m.Content})
		case model.RoleSystem:
			msgs = append(msgs, llm.Message{Role: "system", Content: m.Content})
		}
	}
	return llm.TrimToBudget(msgs, s.cfg.ContextTokens)
}

// step 调用一次模型，返回本步结果。
func (s *chatService) step(ctx context.Context, msgs []llm.Message, w llm.DeltaWriter) (*llm.StepResult, error) {
	return s.client.StreamChat(ctx, llm.ChatRequest{Messages: msgs, Tools: s.tools.Definitions()}, w)
}

// executeTool 同步执行工具调用。
func (s *chatService) executeTool(ctx context.Context, call llm.ToolCall) string {
	return s.tools.Execute(ctx, call)
}

// complete 保存助手消息并按规则发布会话事件。
func (s *chatService) complete(ctx context.Context, turn *Turn, text string) error {
	convID := turn.Conversation.ID
	msg := &model.Message{
		ConversationID: convID,
		Role:           model.RoleAssistant,
		Content:        text,
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return err
	}
	log.Infow("assistant message saved", "conversationId", convID, "messageId", msg.ID, "chars", len(text))

	if s.bus == nil || s.tracker == nil {
		return nil
	}
	count, err := s.repo.CountMessages(ctx, convID)
	if err != nil {
		log.Warnw("failed to count messages for event", "conversationId", convID, "error", err)
		return nil
	}
	ev, ok := s.tracker.Observe(event.Observation{
		ConversationID: convID,
		IDSupplied:     !turn.Created,
		Snapshot:       turn.PriorCount,
		Count:          count,
	})
	if ok {
		s.bus.Publish(ev)
	}
	return nil
}

// ChunkType 区分 Generation 输出的分块类型。
type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
)

// Chunk 是生成过程中的一段增量输出。
type Chunk struct {
	Type ChunkType     `json:"type"`
	Text string        `json:"text,omitempty"`
	Tool *ToolActivity `json:"tool,omitempty"`
}

// ToolActivity 描述一次工具调用或其结果。
type ToolActivity struct {
	CallID    string `json:"callId"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

type stepFunc func(ctx context.Context, msgs []llm.Message, w llm.DeltaWriter) (*llm.StepResult, error)

// CompletionFunc 在生成成功结束后调用一次，参数是完整的助手文本。
type CompletionFunc func(ctx context.Context, text string) error

// Generation 是一轮可取消的异步生成。Chunks 通道是有限且不可重启的。
type Generation struct {
	ctx    context.Context
	cancel context.CancelFunc
	chunks chan Chunk
	done   chan struct{}

	onComplete   CompletionFunc
	completeOnce sync.Once
	executeTool  func(ctx context.Context, call llm.ToolCall) string

	mu   sync.Mutex
	text strings.Builder
	err  error
}

func newGeneration(parent context.Context, onComplete CompletionFunc) *Generation {
	ctx, cancel := context.WithCancel(parent)
	return &Generation{
		ctx:        ctx,
		cancel:     cancel,
		chunks:     make(chan Chunk),
		done:       make(chan struct{}),
		onComplete: onComplete,
	}
}

// Chunks 返回增量输出通道，生成结束后关闭。
func (g *Generation) Chunks() <-chan Chunk { return g.chunks }

// Done 在生成结束（成功、失败或取消）后关闭。
func (g *Generation) Done() <-chan struct{} { return g.done }

// Cancel 中止生成；被取消的生成不会保存任何助手消息。
func (g *Generation) Cancel() { g.cancel() }

// Wait 阻塞到生成结束并返回错误，成功时为 nil。
func (g *Generation) Wait() error {
	<-g.done
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Text 返回目前为止累积的助手文本。
func (g *Generation) Text() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.text.String()
}

func (g *Generation) emit(c Chunk) error {
	select {
	case g.chunks <- c:
		return nil
	case <-g.ctx.Done():
		return g.ctx.Err()
	}
}

func (g *Generation) WriteDelta(text string) error {
	g.mu.Lock()
	g.text.WriteString(text)
	g.mu.Unlock()
	return g.emit(Chunk{Type: ChunkText, Text: text})
}

func (g *Generation) finish(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
	g.cancel()
	close(g.chunks)
	close(g.done)
}

// run 驱动最多 MaxSteps 次模型调用。带工具调用的步骤会同步执行工具，
// 把结果追加到消息中后进入下一步；不带工具调用的步骤结束本轮。
func (g *Generation) run(msgs []llm.Message, step stepFunc) {
	var err error
	defer func() { g.finish(err) }()

	for i := 0; i < MaxSteps; i++ {
		var res *llm.StepResult
		res, err = step(g.ctx, msgs, g)
		if err != nil {
			if g.ctx.Err() != nil {
				err = g.ctx.Err()
				return
			}
			err = fmt.Errorf("%w: %w", model.ErrUpstream, err)
			return
		}
		if len(res.ToolCalls) == 0 || i == MaxSteps-1 {
			break
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: res.Content, ToolCalls: res.ToolCalls})
		for _, call := range res.ToolCalls {
			if err = g.emit(Chunk{Type: ChunkToolCall, Tool: &ToolActivity{CallID: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments}}); err != nil {
				return
			}
			result := g.runTool(call)
			if err = g.emit(Chunk{Type: ChunkToolResult, Tool: &ToolActivity{CallID: call.ID, Name: call.Function.Name, Result: result}}); err != nil {
				return
			}
			msgs = append(msgs, llm.Message{Role: "tool", ToolCallID: call.ID, Name: call.Function.Name, Content: result})
		}
	}

	if g.ctx.Err() != nil {
		err = g.ctx.Err()
		return
	}
	err = g.complete()
}

func (g *Generation) runTool(call llm.ToolCall) string {
	if g.executeTool == nil {
		return `{"error":"tools are not available"}`
	}
	return g.executeTool(g.ctx, call)
}

// complete 至多执行一次完成回调，回调的上下文不随请求取消。
func (g *Generation) complete() error {
	var err error
	g.completeOnce.Do(func() {
		if g.onComplete == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(g.ctx), completionTimeout)
		defer cancel()
		err = g.onComplete(ctx, g.Text())
	})
	if err != nil && !errors.Is(err, model.ErrPersistence) {
		err = fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	return err
}
