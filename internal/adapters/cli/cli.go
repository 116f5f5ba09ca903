// Package cli — интерактивная операторская консоль для процесса очереди
// эмбеддингов. Сервис стартует фоном, читает команды из readline и
// взаимодействует с менеджером стадий: печатает статус, запускает
// внеочередной флаш, управляет dead-letter очередью. Поддерживается
// корректная интеграция в lifecycle: Start/Stop идемпотентны — тот же
// каркас, что и в операторской консоли юзербота, которой эта консоль
// наследует.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"embedding-queue/internal/concurrency"
	"embedding-queue/internal/domain/embedding"
	"embedding-queue/internal/infra/logger"
	"embedding-queue/internal/infra/pr"
	"embedding-queue/internal/manager"
	versioninfo "embedding-queue/internal/support/version"
)

// commandDescriptor описывает одну CLI-команду: её имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "stages", description: "List registered stage names"},
	{name: "status [stage]", description: "Show queue stats for one stage, or all stages"},
	{name: "flush <stage>", description: "Force an immediate flush of the named stage"},
	{name: "enqueue-test <stage> [dim]", description: "Enqueue a synthetic fixture item with a random id, for smoke-testing a stage"},
	{name: "failed list <stage>", description: "Show counts of entries awaiting retry and in dead-letter (entries are not listed)"},
	{name: "dead-letter list <stage> [limit]", description: "List dead-letter entries, most recent first"},
	{name: "dead-letter retry <stage> <id>", description: "Requeue a single dead-letter entry"},
	{name: "dead-letter retry-all <stage>", description: "Requeue every dead-letter entry"},
	{name: "dead-letter clear <stage>", description: "Discard every dead-letter entry"},
	{name: "version", description: "Print queuectl version"},
	{name: "exit", description: "Stop CLI and terminate the process"},
}

// Service инкапсулирует CLI и интегрируется в lifecycle приложения. Имеет
// собственный cancel, запускает цикл чтения команд в отдельной горутине и
// синхронно закрывается через Stop(). Потокобезопасность обеспечивается
// дисциплиной запуска/остановки и отсутствием внешних мутаций.
type Service struct {
	mgr     *manager.Manager
	stopApp context.CancelFunc

	// flushDebounce coalesces repeated manual "flush <stage>" keypresses
	// issued within the same window into a single request per stage,
	// keyed by a stable int hash of the stage name (concurrency.Debouncer
	// keys by int, grounded on the teacher's per-message debounce).
	flushDebounce *concurrency.Debouncer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

const flushDebounceMS = 300

// NewService создаёт CLI-сервис, управляющий стадиями, зарегистрированными в mgr.
// stopApp используется как «глобальная» остановка процесса (команда exit,
// Ctrl-C на пустой строке).
func NewService(mgr *manager.Manager, stopApp context.CancelFunc) *Service {
	return &Service{
		mgr:           mgr,
		stopApp:       stopApp,
		flushDebounce: concurrency.NewDebouncer(flushDebounceMS),
	}
}

// Start запускает основной цикл CLI в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.flushDebounce.Start(runCtx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop завершает CLI: посылает внешнюю остановку процесса (если предусмотрено),
// прерывает readline, отменяет локальный контекст и дожидается завершения run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.flushDebounce.Stop()
		s.wg.Wait()
	})
}

// run — основной цикл обработчика CLI: печатает подсказки, устанавливает
// обработчики клавиш и в цикле читает команды построчно.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("queuectl> ")
	pr.Println("queuectl started. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш для readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка процесса и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { //nolint: mnd // Ctrl-C (ETX, rune value 3)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую команду и выполняет соответствующее
// действие. Возвращает true, если команда инициирует завершение CLI.
func (s *Service) handleCommand(cmd string) bool {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "help":
		printCommandHelp()
	case "version":
		pr.ErrPrintln(fmt.Sprintf("%s v%s", versioninfo.Name, versioninfo.Version))
	case "stages":
		s.handleStages()
	case "status":
		s.handleStatus(fields[1:])
	case "flush":
		s.handleFlush(fields[1:])
	case "enqueue-test":
		s.handleEnqueueTest(fields[1:])
	case "failed":
		s.handleFailed(fields[1:])
	case "dead-letter":
		s.handleDeadLetter(fields[1:])
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", fields[0])
	}
	return false
}

func (s *Service) handleStages() {
	names := s.mgr.Names()
	if len(names) == 0 {
		pr.Println("No stages registered.")
		return
	}
	for _, n := range names {
		pr.Println(n)
	}
}

func (s *Service) handleStatus(args []string) {
	if len(args) == 0 {
		for _, name := range s.mgr.Names() {
			s.printStageStatus(name)
		}
		return
	}
	s.printStageStatus(args[0])
}

func (s *Service) printStageStatus(name string) {
	q, ok := s.mgr.Get(name)
	if !ok {
		pr.ErrPrintf("unknown stage %q\n", name)
		return
	}
	st := q.GetStats()
	s.mgr.RecordStats(name, st)
	pr.Printf("[%s] length=%d capacity=%.1f%% health=%s flushing=%t retry_count=%d failed=%d dead_letter=%d\n",
		name, st.QueueLength, st.CapacityPercent, st.Health, st.IsFlushing, st.RetryCount, st.FailedCount, st.DeadLetterCount)
}

func (s *Service) handleFlush(args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: flush <stage>")
		return
	}
	name := args[0]
	q, ok := s.mgr.Get(name)
	if !ok {
		pr.ErrPrintf("unknown stage %q\n", name)
		return
	}
	// Коалесцируем повторные запросы на флаш одной и той же стадии в одном
	// коротком окне — защита от случайной серии нажатий Enter.
	s.flushDebounce.Do(stageHash(name), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := q.ForceFlush(ctx); err != nil {
			pr.ErrPrintf("flush %s: %v\n", name, err)
			return
		}
		pr.Printf("flush requested for %s\n", name)
	})
}

// handleEnqueueTest builds a synthetic fixture item — a random uuid as the
// path component of a file: id and a dim-length unit vector — and enqueues
// it, for smoke-testing a stage's flush path without a real analyzer.
func (s *Service) handleEnqueueTest(args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: enqueue-test <stage> [dim]")
		return
	}
	name := args[0]
	q, ok := s.mgr.Get(name)
	if !ok {
		pr.ErrPrintf("unknown stage %q\n", name)
		return
	}

	dim := 8
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil && n > 0 {
			dim = n
		}
	}

	id := "file:/fixtures/" + uuid.NewString()
	vector := make([]float64, dim)
	for i := range vector {
		vector[i] = 1.0 / float64(i+1)
	}
	item := embedding.Item{ID: id, Vector: vector, Meta: map[string]any{"name": "fixture", "path": id}}

	res, err := q.Enqueue(item)
	if err != nil {
		pr.ErrPrintf("enqueue-test %s: %v\n", name, err)
		return
	}
	pr.Printf("enqueued %s into %s (warnings=%v)\n", id, name, res.Warnings)
}

func (s *Service) handleFailed(args []string) {
	if len(args) < 2 || args[0] != "list" {
		pr.ErrPrintln("usage: failed list <stage>")
		return
	}
	q, ok := s.mgr.Get(args[1])
	if !ok {
		pr.ErrPrintf("unknown stage %q\n", args[1])
		return
	}
	failedCount, deadCount := q.FailedItems().Count()
	pr.Printf("[%s] %d entries pending retry, %d in dead-letter\n", args[1], failedCount, deadCount)
}

func (s *Service) handleDeadLetter(args []string) {
	if len(args) < 1 {
		pr.ErrPrintln("usage: dead-letter <list|retry|retry-all|clear> <stage> [args]")
		return
	}
	sub := args[0]
	rest := args[1:]
	if len(rest) < 1 {
		pr.ErrPrintln("usage: dead-letter " + sub + " <stage> [args]")
		return
	}
	stage := rest[0]
	q, ok := s.mgr.Get(stage)
	if !ok {
		pr.ErrPrintf("unknown stage %q\n", stage)
		return
	}

	switch sub {
	case "list":
		limit := 0
		if len(rest) > 1 {
			if n, err := strconv.Atoi(rest[1]); err == nil {
				limit = n
			}
		}
		entries := q.FailedItems().DeadLetter(limit)
		if len(entries) == 0 {
			pr.Println("dead-letter queue is empty")
			return
		}
		for _, e := range entries {
			pr.Printf("%s\ttype=%s\tretries=%d\tfailed_at=%s\terror=%s\n",
				e.ItemID, e.ItemType, e.RetryCount, e.FailedAt.Format(time.RFC3339), e.Error)
		}
	case "retry":
		if len(rest) < 2 {
			pr.ErrPrintln("usage: dead-letter retry <stage> <id>")
			return
		}
		if q.RequeueDeadLetter(rest[1]) {
			pr.Printf("requeued %s\n", rest[1])
		} else {
			pr.ErrPrintf("no dead-letter entry with id %q\n", rest[1])
		}
	case "retry-all":
		n := q.RequeueAllDeadLetter()
		pr.Printf("requeued %d dead-letter entries\n", n)
	case "clear":
		q.FailedItems().ClearDeadLetter()
		pr.Println("dead-letter queue cleared")
	default:
		pr.Println("unknown dead-letter subcommand:", sub)
	}
}

// stageHash folds a stage name into an int key for the debouncer, which
// keys by message id rather than by name.
func stageHash(name string) int {
	h := 0
	for _, r := range name {
		h = h*31 + int(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}

// joinCommandNames собирает строку имён команд, разделённых запятыми, для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-32s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
