package models

import "time"

// Source table names used by the changelog and target capability filtering
const (
	TableNotebooks     = "notebooks"
	TableNotebookPages = "notebook_pages"
	TableTodos         = "todos"
	TableHighlights    = "highlights"
)

// Notebook is an extracted tablet notebook. The extraction layer owns these
// rows; the engine only reads them.
type Notebook struct {
	UUID         string     `json:"uuid"`
	Title        string     `json:"title"`
	PageCount    int        `json:"pageCount"`
	LastAccessed *time.Time `json:"lastAccessed,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// NotebookPage is the recognized text of one notebook page
type NotebookPage struct {
	NotebookUUID string    `json:"notebookUuid"`
	PageNumber   int       `json:"pageNumber"`
	Text         string    `json:"text"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Todo is a to-do item recognized from notebook pages
type Todo struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Completed bool       `json:"completed"`
	DueDate   *time.Time `json:"dueDate,omitempty"`
	Notebook  string     `json:"notebook,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Highlight is a text passage highlighted in a PDF or EPUB
type Highlight struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Title      string    `json:"title,omitempty"`
	Author     string    `json:"author,omitempty"`
	SourceFile string    `json:"sourceFile,omitempty"`
	PageNumber int       `json:"pageNumber,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}
