package task

import (
	"context"
	"encoding/json"
	"fmt"
)

// CreateTask builds the variant named by the record's type tag, initializes
// it from data and saves its record. A failed save is logged only.
func CreateTask(ctx context.Context, engine *Engine, data []byte) (Task, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		engine.Logger.Error().Err(err).Msg("cannot parse task config")
		return nil, fmt.Errorf("parse task config: %w", err)
	}
	if head.Type == nil {
		engine.Logger.Error().Msg("task config has no type")
		return nil, fmt.Errorf("%w: missing type", ErrUnknownType)
	}

	var t Task
	switch Kind(*head.Type) {
	case KindVidstab:
		t = NewVidstab(engine)
	case KindSceneDetect:
		t = NewSceneDetect(engine)
	default:
		engine.Logger.Error().Str("type", *head.Type).Msg("unknown task type")
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}

	if err := t.Initialize(ctx, data); err != nil {
		engine.Logger.Error().Err(err).Str("type", *head.Type).Msg("task initialization failed")
		return nil, err
	}
	if _, err := t.Save(""); err != nil {
		engine.Logger.Warn().Err(err).Str("task", t.Name()).Msg("could not save new task record")
	}
	t.core().log().Info().Stringer("state", t.State()).Msg("task created")
	return t, nil
}
