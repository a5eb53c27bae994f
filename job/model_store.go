package job

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/teranos/jobkit/errors"
)

// ModelStore persists job models.
type ModelStore struct {
	db *sql.DB
}

// NewModelStore creates a job model store.
func NewModelStore(db *sql.DB) *ModelStore {
	return &ModelStore{db: db}
}

const modelColumns = `id, class_path, source, module_name, job_class_name,
		grouping, name, description, hidden, installed, enabled,
		approval_required, has_sensitive_variables, soft_time_limit, time_limit,
		task_queues, read_only, is_job_hook_receiver, is_job_button_receiver,
		grouping_override, name_override, description_override, hidden_override,
		approval_required_override, has_sensitive_variables_override,
		soft_time_limit_override, time_limit_override, task_queues_override,
		created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*Model, error) {
	var m Model
	var queues string
	err := row.Scan(
		&m.ID, &m.ClassPath, &m.Source, &m.ModuleName, &m.JobClassName,
		&m.Grouping, &m.Name, &m.Description, &m.Hidden, &m.Installed, &m.Enabled,
		&m.ApprovalRequired, &m.HasSensitiveVariables, &m.SoftTimeLimit, &m.TimeLimit,
		&queues, &m.ReadOnly, &m.IsJobHookReceiver, &m.IsJobButtonReceiver,
		&m.GroupingOverride, &m.NameOverride, &m.DescriptionOverride, &m.HiddenOverride,
		&m.ApprovalRequiredOverride, &m.HasSensitiveVariablesOverride,
		&m.SoftTimeLimitOverride, &m.TimeLimitOverride, &m.TaskQueuesOverride,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(queues), &m.TaskQueues); err != nil {
		return nil, errors.Wrapf(err, "failed to decode task queues for %s", m.ClassPath)
	}
	return &m, nil
}

func (m *Model) args() ([]any, error) {
	queues := m.TaskQueues
	if queues == nil {
		queues = []string{}
	}
	q, err := json.Marshal(queues)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode task queues")
	}
	return []any{
		m.ID, m.ClassPath, m.Source, m.ModuleName, m.JobClassName,
		m.Grouping, m.Name, m.Description, m.Hidden, m.Installed, m.Enabled,
		m.ApprovalRequired, m.HasSensitiveVariables, m.SoftTimeLimit, m.TimeLimit,
		string(q), m.ReadOnly, m.IsJobHookReceiver, m.IsJobButtonReceiver,
		m.GroupingOverride, m.NameOverride, m.DescriptionOverride, m.HiddenOverride,
		m.ApprovalRequiredOverride, m.HasSensitiveVariablesOverride,
		m.SoftTimeLimitOverride, m.TimeLimitOverride, m.TaskQueuesOverride,
		m.CreatedAt, m.UpdatedAt,
	}, nil
}

// Create inserts a new model.
func (s *ModelStore) Create(ctx context.Context, m *Model) error {
	args, err := m.args()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO job_models (`+modelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to create job model"), "class_path: "+m.ClassPath)
	}
	return nil
}

// Update writes every column of an existing model. Validation runs first so
// the approval and sensitivity flags never persist together.
func (s *ModelStore) Update(ctx context.Context, m *Model) error {
	if m.Enabled {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	args, err := m.args()
	if err != nil {
		return err
	}
	// id moves to the end for the WHERE clause
	args = append(args[1:], m.ID)
	res, err := s.db.ExecContext(ctx, `UPDATE job_models SET
		class_path = ?, source = ?, module_name = ?, job_class_name = ?,
		grouping = ?, name = ?, description = ?, hidden = ?, installed = ?, enabled = ?,
		approval_required = ?, has_sensitive_variables = ?, soft_time_limit = ?, time_limit = ?,
		task_queues = ?, read_only = ?, is_job_hook_receiver = ?, is_job_button_receiver = ?,
		grouping_override = ?, name_override = ?, description_override = ?, hidden_override = ?,
		approval_required_override = ?, has_sensitive_variables_override = ?,
		soft_time_limit_override = ?, time_limit_override = ?, task_queues_override = ?,
		created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to update job model"), "class_path: "+m.ClassPath)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job model %s", m.ClassPath)
	}
	return nil
}

// GetByClassPath loads the model for a class path.
func (s *ModelStore) GetByClassPath(ctx context.Context, classPath string) (*Model, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM job_models WHERE class_path = ?`, classPath)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job model %s", classPath)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job model")
	}
	return m, nil
}

// List returns all models ordered by class path.
func (s *ModelStore) List(ctx context.Context) ([]*Model, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM job_models ORDER BY grouping, name, class_path`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job models")
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job model")
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job models")
	}
	return models, nil
}

// SetEnabled toggles a model, validating the approval/sensitivity invariant
// before enabling.
func (s *ModelStore) SetEnabled(ctx context.Context, classPath string, enabled bool) (*Model, error) {
	m, err := s.GetByClassPath(ctx, classPath)
	if err != nil {
		return nil, err
	}
	m.Enabled = enabled
	if err := s.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
