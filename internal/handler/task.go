package handler

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"os"
	"strconv"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/slidevoice/api/internal/model"
	"github.com/slidevoice/api/internal/service"
	ws "github.com/slidevoice/api/internal/websocket"
	"github.com/slidevoice/api/pkg/response"
)

type TaskHandler struct {
	service *service.TaskService
	hub     *ws.Hub
	logger  *logrus.Logger
}

func NewTaskHandler(svc *service.TaskService, hub *ws.Hub, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{
		service: svc,
		hub:     hub,
		logger:  logger,
	}
}

// Upload handles POST /upload
func (h *TaskHandler) Upload(c *fiber.Ctx) error {
	document, err := c.FormFile("pdf_file")
	if err != nil {
		// older clients post the document as "file"
		document, err = c.FormFile("file")
	}
	if err != nil {
		return response.ValidationError(c, "pdf_file is required", fiber.Map{"field": "pdf_file"})
	}
	voice, err := c.FormFile("speaker_audio")
	if err != nil {
		return response.ValidationError(c, "speaker_audio is required", fiber.Map{"field": "speaker_audio"})
	}

	form := model.UploadForm{
		Language:         c.FormValue("language", string(model.LanguageKorean)),
		IncludeSubtitles: strings.EqualFold(c.FormValue("include_subtitles"), "true"),
		QualityMode:      c.FormValue("quality_mode"),
	}
	if raw := c.FormValue("slide_duration"); raw != "" {
		form.SlideDuration, err = strconv.Atoi(raw)
		if err != nil {
			return response.ValidationError(c, "slide_duration must be an integer", fiber.Map{"field": "slide_duration"})
		}
	}

	docFile, err := document.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer docFile.Close()

	voiceFile, err := voice.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer voiceFile.Close()

	result, err := h.service.Submit(c.Context(), model.UploadRequest{
		Form:     form,
		Document: uploadFile(document, docFile),
		Voice:    uploadFile(voice, voiceFile),
	})
	if err != nil {
		return h.writeError(c, err)
	}

	return response.Accepted(c, result)
}

func uploadFile(header *multipart.FileHeader, f multipart.File) model.UploadFile {
	return model.UploadFile{Filename: header.Filename, Size: header.Size, Content: f}
}

// Status handles GET /status/:taskId
func (h *TaskHandler) Status(c *fiber.Ctx) error {
	status, err := h.service.GetStatus(c.Params("taskId"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, status)
}

// Download handles GET /download/:taskId
func (h *TaskHandler) Download(c *fiber.Ctx) error {
	path, filename, err := h.service.Download(c.Params("taskId"))
	if err != nil {
		return h.writeError(c, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return response.NotFound(c, "Video file not found")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return response.ServiceError(c, "Failed to read video file")
	}

	c.Attachment(filename)
	c.Set(fiber.HeaderContentType, "video/mp4")
	// fasthttp closes the file once the body is written
	return c.SendStream(f, int(info.Size()))
}

// List handles GET /tasks
func (h *TaskHandler) List(c *fiber.Ctx) error {
	return response.OK(c, model.TaskListResponse{Tasks: h.service.List()})
}

// Delete handles DELETE /tasks/:taskId
func (h *TaskHandler) Delete(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if err := h.service.Delete(c.Context(), taskID); err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, model.MessageResponse{Message: "Task " + taskID + " deleted"})
}

// Watch handles GET /ws/tasks/:taskId. The first message is the task's
// current state so late subscribers do not wait for the next update.
func (h *TaskHandler) Watch(c *websocket.Conn) {
	taskID := c.Params("taskId")

	status, err := h.service.GetStatus(taskID)
	if err != nil {
		msg, _ := json.Marshal(model.WSErrorMessage{
			Type:   model.WSMessageTypeError,
			TaskID: taskID,
			Error:  model.WSError{Code: response.CodeNotFound, Message: "Task not found"},
		})
		_ = c.WriteMessage(websocket.TextMessage, msg)
		return
	}

	h.hub.HandleConnection(c, taskID, snapshotMessage(status))
}

func snapshotMessage(status *model.TaskStatusResponse) []byte {
	var msg interface{}
	switch status.Status {
	case model.JobStatusCompleted:
		msg = model.WSCompleteMessage{
			Type:             model.WSMessageTypeComplete,
			TaskID:           status.TaskID,
			DownloadURL:      "/download/" + status.TaskID,
			DownloadFilename: status.DownloadFilename,
			ArtifactURL:      status.ArtifactURL,
		}
	case model.JobStatusFailed:
		errMsg := ""
		if status.ErrorMessage != nil {
			errMsg = *status.ErrorMessage
		}
		msg = model.WSErrorMessage{
			Type:   model.WSMessageTypeError,
			TaskID: status.TaskID,
			Error:  model.WSError{Code: response.CodeJobFailed, Message: errMsg},
		}
	default:
		msg = model.WSProgressMessage{
			Type:        model.WSMessageTypeProgress,
			TaskID:      status.TaskID,
			Progress:    status.Progress,
			Status:      status.Status,
			CurrentStep: status.CurrentStep,
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}

// writeError maps service errors onto the response envelope.
func (h *TaskHandler) writeError(c *fiber.Ctx, err error) error {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return response.ValidationError(c, verr.Error(), validationDetails(verr))
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Task not found")
	case errors.Is(err, service.ErrJobNotCompleted):
		return response.JobNotCompleted(c, "Video generation is not completed yet")
	case errors.Is(err, service.ErrArtifactMissing):
		return response.NotFound(c, "Video file not found")
	}

	h.logger.WithError(err).WithFields(logrus.Fields{
		"method": c.Method(),
		"path":   c.Path(),
	}).Error("Request failed")
	return response.ServiceError(c, err.Error())
}

func validationDetails(verr *service.ValidationError) fiber.Map {
	if len(verr.Fields) > 0 {
		return fiber.Map{"fields": verr.Fields}
	}
	return fiber.Map{"field": verr.Field}
}
