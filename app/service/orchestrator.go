package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"goodtape/app/cache"
	"goodtape/app/logger"
	"goodtape/app/model"
	"goodtape/app/platform"
	"goodtape/app/processor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 流水线各检查点的进度
const (
	progressLocked    = 10
	progressMetadata  = 20
	progressStorage   = 35
	progressDispatch  = 40
	progressConverted = 80
	progressVerified  = 95
)

// ErrInvalidRequest 入队参数不合法
var ErrInvalidRequest = errors.New("请求参数不合法")

// Alerter 严重错误的运维告警出口，与面向用户的错误信息分开
type Alerter interface {
	Alert(ctx context.Context, jobID string, c platform.Classification)
}

// LogAlerter 以 error 级别日志发出告警
type LogAlerter struct {
	log *logger.Logger
}

// NewLogAlerter 创建日志告警器
func NewLogAlerter(log *logger.Logger) *LogAlerter {
	return &LogAlerter{log: log.Named("alert")}
}

func (a *LogAlerter) Alert(ctx context.Context, jobID string, c platform.Classification) {
	a.log.Error("运维告警",
		zap.Bool("alert", true),
		zap.String("job_id", jobID),
		zap.String("platform", c.Platform),
		zap.String("type", string(c.Type)),
		zap.String("severity", string(c.Severity)),
		zap.Int("reliability_score", platform.ReliabilityScore(c.Platform)),
		zap.String("detail", c.TechnicalMessage),
	)
}

// OrchestratorOptions 编排参数
type OrchestratorOptions struct {
	PipelineDeadline time.Duration
	DownloadURLTTL   time.Duration
	RecentWindow     time.Duration
	JobTTL           time.Duration
	LockLease        time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Now              func() time.Time
	// Sleep 在回退重入之间等待，测试中可以替换
	Sleep func(ctx context.Context, d time.Duration) error
}

// ConversionOrchestrator 驱动单个任务的转换流水线，并在失败时按平台回退链重入
type ConversionOrchestrator struct {
	jobs     *JobStore
	state    *JobStateManager
	queue    *QueueManager
	results  *cache.ResultCache
	prober   cache.Prober
	proc     processor.Processor
	errs     *platform.Handler
	notifier *Notifier
	alerter  Alerter
	opts     OrchestratorOptions
	log      *logger.Logger
}

// Deps 编排器依赖
type Deps struct {
	Jobs      *JobStore
	State     *JobStateManager
	Queue     *QueueManager
	Results   *cache.ResultCache
	Prober    cache.Prober
	Processor processor.Processor
	Errors    *platform.Handler
	Notifier  *Notifier
	Alerter   Alerter
}

// NewConversionOrchestrator 创建编排器
func NewConversionOrchestrator(d Deps, opts OrchestratorOptions, log *logger.Logger) *ConversionOrchestrator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.PipelineDeadline <= 0 {
		opts.PipelineDeadline = 10 * time.Minute
	}
	if opts.DownloadURLTTL <= 0 {
		opts.DownloadURLTTL = 24 * time.Hour
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = 72 * time.Hour
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	if d.Prober == nil {
		d.Prober = cache.NopProber{}
	}
	if d.Alerter == nil {
		d.Alerter = NewLogAlerter(log)
	}
	return &ConversionOrchestrator{
		jobs:     d.Jobs,
		state:    d.State,
		queue:    d.Queue,
		results:  d.Results,
		prober:   d.Prober,
		proc:     d.Processor,
		errs:     d.Errors,
		notifier: d.Notifier,
		alerter:  d.Alerter,
		opts:     opts,
		log:      log.Named("orchestrator"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnqueueRequest 入队参数，Platform 为空时按 URL 识别
type EnqueueRequest struct {
	URL      string       `json:"url"`
	Format   model.Format `json:"format"`
	Quality  string       `json:"quality"`
	Platform string       `json:"platform"`
}

func (r *EnqueueRequest) normalize() error {
	r.URL = strings.TrimSpace(r.URL)
	u, err := url.ParseRequestURI(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: 无效的视频地址", ErrInvalidRequest)
	}
	if r.Format == "" {
		r.Format = model.FormatAudio
	}
	if !r.Format.Valid() {
		return fmt.Errorf("%w: 不支持的格式 %q", ErrInvalidRequest, r.Format)
	}
	r.Quality = strings.TrimSpace(r.Quality)
	if r.Quality == "" {
		r.Quality = defaultQuality(r.Format)
	}
	r.Platform = strings.ToLower(strings.TrimSpace(r.Platform))
	if r.Platform == "" {
		r.Platform = platform.DetectPlatform(r.URL)
	}
	return nil
}

func defaultQuality(f model.Format) string {
	if f == model.FormatAudio {
		return "192k"
	}
	return "720p"
}

// Enqueue 创建排队任务。结果缓存或近期相同任务命中时，任务直接以引用方式完成，不会调用处理服务
func (o *ConversionOrchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (*model.Job, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}

	now := o.opts.Now()
	job := &model.Job{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Platform:  req.Platform,
		Format:    req.Format,
		Quality:   req.Quality,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(o.opts.JobTTL),
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	o.log.Info("任务已入队",
		zap.String("job_id", job.ID),
		zap.String("platform", job.Platform),
		zap.String("format", string(job.Format)),
		zap.String("quality", job.Quality),
	)

	ref, err := o.findReference(ctx, job)
	if err != nil {
		// 短路只是优化，查询失败时按正常流程排队
		o.log.Warnf("查找可复用结果失败: job=%s, err=%v", job.ID, err)
		return job, nil
	}
	if ref == nil {
		return job, nil
	}

	lockID, ok, err := o.state.AcquireLock(ctx, job.ID)
	if err != nil {
		// 任务已经入队，之后由调度器正常处理
		o.log.Warnf("短路完成加锁失败，按正常流程排队: job=%s, err=%v", job.ID, err)
		return job, nil
	}
	if !ok {
		return job, nil
	}
	defer o.release(job.ID, lockID)

	if err := o.completeByReference(ctx, job, ref); err != nil {
		return nil, err
	}
	return o.jobs.Get(ctx, job.ID)
}

type reference struct {
	downloadURL string
	storageKey  string
	filename    string
	fileSize    int64
	fromCache   bool
	reusedJobID string
}

func (o *ConversionOrchestrator) fingerprint(job *model.Job) string {
	return cache.Fingerprint(job.URL, string(job.Format), job.Quality, job.Platform)
}

// findReference 先查结果缓存，再查保留窗口内完成的同参数任务
func (o *ConversionOrchestrator) findReference(ctx context.Context, job *model.Job) (*reference, error) {
	if o.results != nil {
		entry, hit, err := o.results.Lookup(ctx, o.fingerprint(job))
		if err != nil {
			return nil, err
		}
		if hit {
			ref := &reference{
				downloadURL: entry.DownloadURL,
				storageKey:  entry.StorageKey,
				filename:    entry.Filename,
				fromCache:   true,
			}
			if entry.FileSize != nil {
				ref.fileSize = *entry.FileSize
			}
			return ref, nil
		}
	}

	if o.opts.RecentWindow <= 0 {
		return nil, nil
	}
	now := o.opts.Now()
	recent, err := o.jobs.FindRecentCompleted(ctx, job.URL, job.Format, job.Quality, now.Add(-o.opts.RecentWindow), now)
	if err != nil || recent == nil || recent.ID == job.ID {
		return nil, err
	}
	return &reference{
		downloadURL: recent.DownloadURL,
		storageKey:  recent.StorageKey,
		filename:    recent.Metadata.Filename,
		fileSize:    recent.Metadata.FileSize,
		reusedJobID: recent.ID,
	}, nil
}

func (o *ConversionOrchestrator) completeByReference(ctx context.Context, job *model.Job, ref *reference) error {
	meta := job.Metadata
	meta.Filename = ref.filename
	meta.FileSize = ref.fileSize
	meta.FromCache = ref.fromCache
	meta.ReusedJobID = ref.reusedJobID

	expires := o.opts.Now().Add(o.opts.DownloadURLTTL)
	ok, err := o.state.TransitionState(ctx, job.ID, model.JobStatusProcessing, model.JobStatusCompleted, JobUpdates{
		DownloadURL:       ref.downloadURL,
		StorageKey:        ref.storageKey,
		DownloadExpiresAt: &expires,
		FilePath:          ref.storageKey,
		Metadata:          &meta,
	}, "复用已有结果")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	o.log.Info("任务复用已有结果完成",
		zap.String("job_id", job.ID),
		zap.Bool("from_cache", ref.fromCache),
		zap.String("reused_job_id", ref.reusedJobID),
	)
	o.notifier.Publish(ctx, model.CompletedEvent{
		JobID:       job.ID,
		DownloadURL: ref.downloadURL,
		FromCache:   true,
		At:          o.opts.Now(),
	})
	return nil
}

func (o *ConversionOrchestrator) release(jobID, lockID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := o.state.ReleaseLock(ctx, jobID, lockID); err != nil {
		o.log.Warnf("释放任务锁失败: job=%s, err=%v", jobID, err)
	}
}

// attemptParams 一次流水线执行使用的参数，由已执行过的回退动作依次叠加得到
type attemptParams struct {
	quality string
	options processor.Options
}

func paramsFor(job *model.Job, history []model.FallbackRecord) attemptParams {
	p := attemptParams{quality: job.Quality}
	for _, r := range history {
		p.apply(platform.FallbackAction(r.Action), job.Format)
	}
	return p
}

func (p *attemptParams) apply(a platform.FallbackAction, format model.Format) {
	switch a {
	case platform.ActionUseProxy:
		p.options.UseProxy = true
	case platform.ActionDirectConnection:
		p.options.UseProxy = false
	case platform.ActionAlternativeClient:
		p.options.Client = "android"
	case platform.ActionAlternativeRegion:
		p.options.Region = "us"
	case platform.ActionReduceQuality:
		p.quality = reducedQuality(format, p.quality)
	case platform.ActionDifferentFormat:
		p.options.OutputFormat = alternateContainer(format)
	}
}

var qualityLadders = map[model.Format][]string{
	model.FormatAudio: {"320k", "256k", "192k", "160k", "128k", "96k", "64k"},
	model.FormatVideo: {"2160p", "1440p", "1080p", "720p", "480p", "360p", "240p", "144p"},
}

// reducedQuality 在当前档位基础上降一档，已是最低档时保持不变；无法识别的档位使用保守值
func reducedQuality(f model.Format, current string) string {
	ladder := qualityLadders[f]
	cur := strings.ToLower(strings.TrimSpace(current))
	for i, q := range ladder {
		if q != cur {
			continue
		}
		if i+1 < len(ladder) {
			return ladder[i+1]
		}
		return current
	}
	if f == model.FormatAudio {
		return "128k"
	}
	return "480p"
}

// changesParams 报告动作是否通过修改请求参数生效，等待类动作只依赖退避间隔
func changesParams(a platform.FallbackAction) bool {
	return a != platform.ActionRetryWithBackoff && a != platform.ActionWaitAndRetry
}

// nextStep 回退链中下一个要查看的位置
func nextStep(history []model.FallbackRecord) int {
	n := len(history)
	if n > 0 && history[n-1].Step+1 > n {
		return history[n-1].Step + 1
	}
	return n
}

func alternateContainer(f model.Format) string {
	if f == model.FormatAudio {
		return "m4a"
	}
	return "webm"
}

func defaultContainer(f model.Format) string {
	if f == model.FormatAudio {
		return "mp3"
	}
	return "mp4"
}

// Process 执行一个任务。回退重入是有界循环，重入次数持久化在任务元数据中，进程重启后继续累计。
// 拿不到锁时返回 ErrLockNotAcquired
func (o *ConversionOrchestrator) Process(ctx context.Context, jobID string) error {
	lockID, ok, err := o.state.AcquireLock(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}
	defer o.release(jobID, lockID)

	// 终态写入不受流水线截止时间影响
	persistCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, o.opts.PipelineDeadline)
	defer cancel()

	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	o.notifier.Progress(ctx, jobID, progressLocked, model.JobStatusProcessing, "已开始处理", nil)

	if ref, err := o.findReference(ctx, job); err != nil {
		o.log.Warnf("查找可复用结果失败: job=%s, err=%v", jobID, err)
	} else if ref != nil {
		return o.completeByReference(persistCtx, job, ref)
	}

	meta := job.Metadata
	for {
		params := paramsFor(job, meta.FallbackHistory)
		result, runErr := o.runPipeline(ctx, job, params, &meta)
		if runErr == nil {
			return o.complete(persistCtx, job, result, meta)
		}

		c := o.errs.Classify(runErr, job.Platform)
		o.log.Warn("流水线执行失败",
			zap.String("job_id", jobID),
			zap.Int("attempt", meta.Attempt),
			zap.String("type", string(c.Type)),
			zap.Error(runErr),
		)
		if c.Critical() {
			o.alerter.Alert(persistCtx, jobID, c)
		}

		action, step, retry := o.nextAction(c, job, meta, params)
		if !retry || ctx.Err() != nil {
			return o.fail(persistCtx, job, c, meta)
		}

		meta.Attempt++
		meta.FallbackHistory = append(meta.FallbackHistory, model.FallbackRecord{
			Attempt:   meta.Attempt,
			Step:      step,
			Action:    string(action),
			ErrorType: string(c.Type),
			At:        o.opts.Now(),
		})
		if ok, err := o.jobs.UpdateMetadata(ctx, jobID, model.JobStatusProcessing, meta, o.opts.Now()); err != nil {
			o.log.Warnf("保存回退计数失败: job=%s, err=%v", jobID, err)
		} else if !ok {
			o.log.Warnf("任务已不在处理中，停止重试: job=%s", jobID)
			return nil
		}
		if _, err := o.state.ExtendLock(ctx, jobID, lockID, o.opts.LockLease); err != nil {
			o.log.Warnf("续期任务锁失败: job=%s, err=%v", jobID, err)
		}

		o.log.Info("使用备用策略重试",
			zap.String("job_id", jobID),
			zap.Int("attempt", meta.Attempt),
			zap.String("action", string(action)),
		)
		delay := platform.BackoffDelay(c.Backoff, meta.Attempt, o.opts.BackoffBase, o.opts.BackoffMax)
		if err := o.opts.Sleep(ctx, delay); err != nil {
			return o.fail(persistCtx, job, o.errs.Classify(err, job.Platform), meta)
		}
	}
}

// nextAction 可重试且未超过分类给出的重试上限时，按平台回退链取下一个动作。
// 对当前参数不产生任何变化的动作直接跳过，不占用重试次数
func (o *ConversionOrchestrator) nextAction(c platform.Classification, job *model.Job, meta model.JobMetadata, params attemptParams) (platform.FallbackAction, int, bool) {
	if !c.Retryable || meta.Attempt >= c.MaxRetries {
		return "", 0, false
	}
	for step := nextStep(meta.FallbackHistory); ; step++ {
		action, ok := o.errs.NextFallbackAction(job.Platform, step)
		if !ok {
			return "", 0, false
		}
		next := params
		next.apply(action, job.Format)
		if next != params || !changesParams(action) {
			return action, step, true
		}
		o.log.Debugf("备用动作不会改变请求，跳过: job=%s, action=%s", job.ID, action)
	}
}

func (o *ConversionOrchestrator) runPipeline(ctx context.Context, job *model.Job, params attemptParams, meta *model.JobMetadata) (*processor.ConvertResult, error) {
	md, source, err := o.extractMetadata(ctx, job.URL, params.options)
	if err != nil {
		return nil, err
	}
	meta.Title = md.Title
	meta.Uploader = md.Uploader
	meta.Duration = md.Duration
	meta.Thumbnail = md.Thumbnail
	meta.MetadataSource = source
	o.notifier.Progress(ctx, job.ID, progressMetadata, model.JobStatusProcessing, "已获取视频信息",
		map[string]any{"title": md.Title, "duration": md.Duration})

	container := defaultContainer(job.Format)
	if params.options.OutputFormat != "" {
		container = params.options.OutputFormat
	}
	meta.Filename = safeFilename(md.Title, job.ID) + "." + container
	storageKey := path.Join(string(job.Format), job.ID, meta.Filename)
	o.notifier.Progress(ctx, job.ID, progressStorage, model.JobStatusProcessing, "已准备存储位置", nil)

	o.notifier.Progress(ctx, job.ID, progressDispatch, model.JobStatusProcessing, "正在转换", nil)
	result, err := o.proc.Convert(ctx, processor.ConvertRequest{
		URL:        job.URL,
		Format:     string(job.Format),
		Quality:    params.quality,
		StorageKey: storageKey,
		Options:    params.options,
	})
	if err != nil {
		return nil, err
	}
	if result.StorageKey == "" {
		result.StorageKey = storageKey
	}
	if result.Filename == "" {
		result.Filename = meta.Filename
	}
	meta.FileSize = result.FileSize
	o.notifier.Progress(ctx, job.ID, progressConverted, model.JobStatusProcessing, "转换完成，正在校验文件", nil)

	exists, err := o.prober.Exists(ctx, result.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("校验产物失败: %w", err)
	}
	if !exists {
		return nil, errors.New("conversion failed: output object missing from storage")
	}
	o.notifier.Progress(ctx, job.ID, progressVerified, model.JobStatusProcessing, "文件校验通过", nil)
	return result, nil
}

// extractMetadata 主提取失败时换一条网络路径再试一次
func (o *ConversionOrchestrator) extractMetadata(ctx context.Context, rawURL string, opts processor.Options) (*processor.Metadata, string, error) {
	md, err := o.proc.ExtractMetadata(ctx, rawURL, opts)
	if err == nil {
		return md, "primary", nil
	}
	o.log.Warnf("元数据提取失败，尝试备用方式: url=%s, err=%v", rawURL, err)

	alt := opts
	alt.UseProxy = !opts.UseProxy
	md, altErr := o.proc.ExtractMetadata(ctx, rawURL, alt)
	if altErr != nil {
		return nil, "", altErr
	}
	return md, "fallback", nil
}

var unsafeFilenameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]+`)

func safeFilename(title, fallback string) string {
	name := strings.TrimSpace(unsafeFilenameChars.ReplaceAllString(title, "_"))
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	if name == "" || name == "." || name == ".." {
		return fallback
	}
	return name
}

func (o *ConversionOrchestrator) complete(ctx context.Context, job *model.Job, result *processor.ConvertResult, meta model.JobMetadata) error {
	meta.Diagnostics = nil
	expires := o.opts.Now().Add(o.opts.DownloadURLTTL)
	ok, err := o.state.TransitionState(ctx, job.ID, model.JobStatusProcessing, model.JobStatusCompleted, JobUpdates{
		DownloadURL:       result.DownloadURL,
		StorageKey:        result.StorageKey,
		DownloadExpiresAt: &expires,
		FilePath:          result.StorageKey,
		Metadata:          &meta,
	}, "转换完成")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if o.results != nil {
		size := result.FileSize
		o.results.Store(ctx, o.fingerprint(job), cache.Result{
			StorageKey:  result.StorageKey,
			DownloadURL: result.DownloadURL,
			Filename:    result.Filename,
			FileSize:    &size,
		})
	}
	o.notifier.Publish(ctx, model.CompletedEvent{JobID: job.ID, DownloadURL: result.DownloadURL, At: o.opts.Now()})
	return nil
}

func (o *ConversionOrchestrator) fail(ctx context.Context, job *model.Job, c platform.Classification, meta model.JobMetadata) error {
	suggestions := platform.RecoverySuggestions(job.Platform, c.Type)
	if c.Suggestion != "" {
		suggestions = append([]string{c.Suggestion}, suggestions...)
	}
	meta.Diagnostics = &model.Diagnostics{
		ErrorType:        string(c.Type),
		Severity:         string(c.Severity),
		Platform:         job.Platform,
		ReliabilityScore: platform.ReliabilityScore(job.Platform),
		PlatformDegraded: platform.IsDegraded(job.Platform),
		Retryable:        c.Retryable,
		Attempts:         meta.Attempt,
		Suggestion:       c.Suggestion,
		Suggestions:      suggestions,
	}

	message := platform.UserMessage(c)
	if c.Retryable {
		message = fmt.Sprintf("已尝试 %d 种方式仍未成功：%s", meta.Attempt+1, c.Suggestion)
	}

	current, err := o.jobs.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	ok, err := o.state.TransitionState(ctx, job.ID, model.JobStatusProcessing, model.JobStatusFailed, JobUpdates{
		ErrorMessage: message,
		Metadata:     &meta,
	}, string(c.Type))
	if err != nil || !ok {
		return err
	}
	o.notifier.Publish(ctx, model.FailedEvent{
		JobID:       job.ID,
		Progress:    current.Progress,
		Message:     message,
		ErrorType:   string(c.Type),
		Suggestions: suggestions,
		At:          o.opts.Now(),
	})
	return nil
}

// StatusView 对外的任务状态，只包含已分类的错误信息
type StatusView struct {
	JobID         string          `json:"jobId"`
	Status        model.JobStatus `json:"status"`
	Progress      int             `json:"progress"`
	DownloadURL   string          `json:"downloadUrl,omitempty"`
	Title         string          `json:"title,omitempty"`
	Filename      string          `json:"filename,omitempty"`
	QueuePosition *int            `json:"queuePosition,omitempty"`
	ETASeconds    *int            `json:"etaSeconds,omitempty"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	ErrorType     string          `json:"errorType,omitempty"`
	Suggestions   []string        `json:"suggestions,omitempty"`
	FromCache     bool            `json:"fromCache,omitempty"`
}

// GetStatus 读取任务状态，与最近一次持久化写入最终一致
func (o *ConversionOrchestrator) GetStatus(ctx context.Context, jobID string) (*StatusView, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	v := &StatusView{
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		Title:        job.Metadata.Title,
		ErrorMessage: job.ErrorMessage,
		FromCache:    job.Metadata.FromCache || job.Metadata.ReusedJobID != "",
	}
	if job.Status == model.JobStatusCompleted {
		v.DownloadURL = job.DownloadURL
		v.Filename = job.Metadata.Filename
	}
	if d := job.Metadata.Diagnostics; d != nil && job.Status == model.JobStatusFailed {
		v.ErrorType = d.ErrorType
		v.Suggestions = d.Suggestions
	}

	if job.Status == model.JobStatusQueued && o.queue != nil {
		pos, err := o.queue.QueuePosition(ctx, job.ID)
		if err != nil {
			o.log.Warnf("计算排队位置失败: job=%s, err=%v", jobID, err)
		} else if pos > 0 {
			v.QueuePosition = &pos
			if eta, ok := o.queue.EstimateWait(ctx, pos); ok {
				secs := int(eta.Seconds())
				v.ETASeconds = &secs
			}
		}
	}
	return v, nil
}
