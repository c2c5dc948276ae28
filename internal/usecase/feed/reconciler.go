package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iemedia/ChirpNestSSR/internal/domain"
	"github.com/iemedia/ChirpNestSSR/internal/infra/metrics"
)

// DefaultResubscribeDelay — пауза перед повторной подпиской после сбоя.
const DefaultResubscribeDelay = 3 * time.Second

var errSubscriptionClosed = errors.New("subscription closed")

// Reconciler применяет realtime-изменения таблиц к ленте.
type Reconciler struct {
	store  *Store
	posts  domain.PostRepo
	stream domain.ChangeStream
	log    zerolog.Logger
	delay  time.Duration
}

// NewReconciler создаёт обработчик изменений для ленты.
func NewReconciler(store *Store, posts domain.PostRepo, stream domain.ChangeStream, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		posts:  posts,
		stream: stream,
		log:    log,
		delay:  DefaultResubscribeDelay,
	}
}

// WithResubscribeDelay меняет паузу между переподписками.
func (r *Reconciler) WithResubscribeDelay(d time.Duration) *Reconciler {
	r.delay = d
	return r
}

// Tables возвращает таблицы, нужные ленте при текущем фильтре.
func (r *Reconciler) Tables() []string {
	if r.store.Scope().Kind == domain.ScopeSaved {
		return []string{domain.TablePosts, domain.TableSavedPosts}
	}
	return []string{domain.TablePosts}
}

// Run держит подписку до отмены контекста. После сбоя транспорта
// подписка открывается заново через паузу.
func (r *Reconciler) Run(ctx context.Context) error {
	tables := r.Tables()
	for {
		err := r.runOnce(ctx, tables)
		if ctx.Err() != nil {
			return nil
		}
		r.log.Warn().Err(err).Strs("tables", tables).Dur("retry_in", r.delay).Msg("realtime: подписка прервана")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.delay):
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context, tables []string) error {
	sub, err := r.stream.Subscribe(ctx, tables...)
	if err != nil {
		return fmt.Errorf("подписка: %w", err)
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			r.log.Debug().Err(cerr).Msg("realtime: закрытие подписки")
		}
	}()
	r.log.Info().Strs("tables", tables).Msg("realtime: подписка активна")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errSubscriptionClosed
			}
			r.Handle(ctx, ev)
		}
	}
}

// Handle применяет одно событие. Ошибки логируются и не прерывают поток.
func (r *Reconciler) Handle(ctx context.Context, ev domain.ChangeEvent) {
	var (
		outcome string
		err     error
	)
	switch ev.Table {
	case domain.TablePosts:
		outcome, err = r.handlePost(ctx, ev)
	case domain.TableSavedPosts:
		outcome, err = r.handleSaved(ctx, ev)
	default:
		outcome = "ignored"
	}
	metrics.ObserveRealtimeEvent(ev.Table, string(ev.Kind), outcome)
	if err != nil {
		r.log.Error().Err(err).Str("table", ev.Table).Str("kind", string(ev.Kind)).Str("id", ev.RecordID()).Msg("realtime: событие не применено")
	}
}

func (r *Reconciler) handlePost(ctx context.Context, ev domain.ChangeEvent) (string, error) {
	id := ev.RecordID()
	if id == "" {
		return "invalid", fmt.Errorf("%w: id", domain.ErrInvalidRecord)
	}
	switch ev.Kind {
	case domain.ChangeInsert:
		post, err := r.posts.GetPost(ctx, id)
		if err != nil {
			return "error", fmt.Errorf("получение поста: %w", err)
		}
		if err := checkRenderable(post); err != nil {
			return "invalid", err
		}
		return applied(r.store.ApplyInsert(post)), nil
	case domain.ChangeUpdate:
		post, err := r.decodeOrFetch(ctx, ev, id)
		if err != nil {
			return "error", err
		}
		if err := checkRenderable(post); err != nil {
			return "invalid", err
		}
		return applied(r.store.ApplyUpdate(post)), nil
	case domain.ChangeDelete:
		return applied(r.store.ApplyDelete(id)), nil
	default:
		return "ignored", nil
	}
}

// decodeOrFetch берёт запись из события, а если в ней нет автора,
// запрашивает полную запись.
func (r *Reconciler) decodeOrFetch(ctx context.Context, ev domain.ChangeEvent, id string) (domain.Post, error) {
	var post domain.Post
	if len(ev.Record) > 0 {
		if err := json.Unmarshal(ev.Record, &post); err == nil && post.Author != nil {
			return post, nil
		}
	}
	post, err := r.posts.GetPost(ctx, id)
	if err != nil {
		return domain.Post{}, fmt.Errorf("получение поста: %w", err)
	}
	return post, nil
}

// checkRenderable отсекает записи без автора: профиль мог ещё не появиться
// в users, а карточка без автора не отрисовывается.
func checkRenderable(post domain.Post) error {
	if err := post.Validate(); err != nil {
		return err
	}
	if !post.Renderable() {
		return fmt.Errorf("%w: author", domain.ErrInvalidRecord)
	}
	return nil
}

// handleSaved перезагружает первую страницу, если изменились сохранённые
// посты зрителя при фильтре saved.
func (r *Reconciler) handleSaved(ctx context.Context, ev domain.ChangeEvent) (string, error) {
	viewer := r.store.Viewer()
	if viewer == "" || r.store.Scope().Kind != domain.ScopeSaved || ev.Field("user_id") != viewer {
		return "ignored", nil
	}
	if err := r.store.LoadFirstPage(ctx); err != nil {
		return "error", err
	}
	return "applied", nil
}

func applied(changed bool) string {
	if changed {
		return "applied"
	}
	return "ignored"
}
