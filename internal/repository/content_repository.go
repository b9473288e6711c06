package repository

import (
	"context"
	"database/sql"

	"github.com/gottino/remarkable-sync/internal/models"
)

// ContentRepository reads extracted tablet content. The OCR/extraction layer
// owns these tables; the engine never writes them.
type ContentRepository struct {
	db *sql.DB
}

// NewContentRepository creates a new ContentRepository
func NewContentRepository(db *sql.DB) *ContentRepository {
	return &ContentRepository{db: db}
}

// GetNotebook retrieves a notebook by its tablet uuid
func (r *ContentRepository) GetNotebook(ctx context.Context, uuid string) (*models.Notebook, error) {
	query := `SELECT uuid, title, page_count, last_accessed, created_at, updated_at
		FROM notebooks WHERE uuid = $1`

	var notebook models.Notebook
	var lastAccessed sql.NullTime
	err := r.db.QueryRowContext(ctx, query, uuid).Scan(
		&notebook.UUID,
		&notebook.Title,
		&notebook.PageCount,
		&lastAccessed,
		&notebook.CreatedAt,
		&notebook.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if lastAccessed.Valid {
		notebook.LastAccessed = &lastAccessed.Time
	}
	return &notebook, nil
}

// ListNotebooks returns notebooks, most recently updated first
func (r *ContentRepository) ListNotebooks(ctx context.Context, limit int) ([]*models.Notebook, error) {
	query := `SELECT uuid, title, page_count, last_accessed, created_at, updated_at
		FROM notebooks ORDER BY updated_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notebooks []*models.Notebook
	for rows.Next() {
		var notebook models.Notebook
		var lastAccessed sql.NullTime
		err := rows.Scan(
			&notebook.UUID,
			&notebook.Title,
			&notebook.PageCount,
			&lastAccessed,
			&notebook.CreatedAt,
			&notebook.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if lastAccessed.Valid {
			notebook.LastAccessed = &lastAccessed.Time
		}
		notebooks = append(notebooks, &notebook)
	}
	return notebooks, rows.Err()
}

// GetPages returns all pages of a notebook in page order
func (r *ContentRepository) GetPages(ctx context.Context, notebookUUID string) ([]*models.NotebookPage, error) {
	query := `SELECT notebook_uuid, page_number, text, updated_at
		FROM notebook_pages WHERE notebook_uuid = $1 ORDER BY page_number ASC`

	rows, err := r.db.QueryContext(ctx, query, notebookUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*models.NotebookPage
	for rows.Next() {
		var page models.NotebookPage
		if err := rows.Scan(&page.NotebookUUID, &page.PageNumber, &page.Text, &page.UpdatedAt); err != nil {
			return nil, err
		}
		pages = append(pages, &page)
	}
	return pages, rows.Err()
}

// GetPage returns one page of a notebook
func (r *ContentRepository) GetPage(ctx context.Context, notebookUUID string, pageNumber int) (*models.NotebookPage, error) {
	query := `SELECT notebook_uuid, page_number, text, updated_at
		FROM notebook_pages WHERE notebook_uuid = $1 AND page_number = $2`

	var page models.NotebookPage
	err := r.db.QueryRowContext(ctx, query, notebookUUID, pageNumber).Scan(
		&page.NotebookUUID,
		&page.PageNumber,
		&page.Text,
		&page.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// GetTodo retrieves a todo by id
func (r *ContentRepository) GetTodo(ctx context.Context, id string) (*models.Todo, error) {
	query := `SELECT id, text, completed, due_date, notebook, created_at, updated_at
		FROM todos WHERE id = $1`

	var todo models.Todo
	var dueDate sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&todo.ID,
		&todo.Text,
		&todo.Completed,
		&dueDate,
		&todo.Notebook,
		&todo.CreatedAt,
		&todo.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if dueDate.Valid {
		todo.DueDate = &dueDate.Time
	}
	return &todo, nil
}

// ListOpenTodos returns uncompleted todos, most recently updated first.
// Completed todos are excluded from sync entirely.
func (r *ContentRepository) ListOpenTodos(ctx context.Context, limit int) ([]*models.Todo, error) {
	query := `SELECT id, text, completed, due_date, notebook, created_at, updated_at
		FROM todos WHERE completed = $1 ORDER BY updated_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, false, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var todos []*models.Todo
	for rows.Next() {
		var todo models.Todo
		var dueDate sql.NullTime
		err := rows.Scan(
			&todo.ID,
			&todo.Text,
			&todo.Completed,
			&dueDate,
			&todo.Notebook,
			&todo.CreatedAt,
			&todo.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if dueDate.Valid {
			todo.DueDate = &dueDate.Time
		}
		todos = append(todos, &todo)
	}
	return todos, rows.Err()
}

// GetHighlight retrieves a highlight by id
func (r *ContentRepository) GetHighlight(ctx context.Context, id string) (*models.Highlight, error) {
	query := `SELECT id, text, title, author, source_file, page_number, created_at, updated_at
		FROM highlights WHERE id = $1`

	var highlight models.Highlight
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&highlight.ID,
		&highlight.Text,
		&highlight.Title,
		&highlight.Author,
		&highlight.SourceFile,
		&highlight.PageNumber,
		&highlight.CreatedAt,
		&highlight.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &highlight, nil
}

// ListHighlights returns highlights, most recently updated first
func (r *ContentRepository) ListHighlights(ctx context.Context, limit int) ([]*models.Highlight, error) {
	query := `SELECT id, text, title, author, source_file, page_number, created_at, updated_at
		FROM highlights ORDER BY updated_at DESC LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var highlights []*models.Highlight
	for rows.Next() {
		var highlight models.Highlight
		err := rows.Scan(
			&highlight.ID,
			&highlight.Text,
			&highlight.Title,
			&highlight.Author,
			&highlight.SourceFile,
			&highlight.PageNumber,
			&highlight.CreatedAt,
			&highlight.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		highlights = append(highlights, &highlight)
	}
	return highlights, rows.Err()
}
