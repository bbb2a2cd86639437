package coordinator

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"quizsync/client"
	"quizsync/quiz"
)

// UploadResult is the outcome of one attachment upload: either a
// backend-assigned file id or an error. Every queued task produces exactly
// one result, so "still uploading" is never conflated with "failed".
type UploadResult struct {
	Task   quiz.PendingUpload
	FileID string
	Err    error
}

// uploadAll pushes every pending attachment concurrently (bounded by
// parallelism) and joins on the full set before returning. Results are
// ordered like the input tasks.
func uploadAll(ctx context.Context, svc client.Service, quizID quiz.ID,
	tasks []quiz.PendingUpload, parallelism int, logger *zap.Logger) []UploadResult {

	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]UploadResult, len(tasks))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task quiz.PendingUpload) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = UploadResult{Task: task}
			if task.Attachment == nil {
				results[i].Err = fmt.Errorf("upload %s has no payload", task.UploadID)
				return
			}
			fileID, err := svc.UploadFile(ctx, client.UploadRequest{
				QuizID:        quizID,
				QuestionID:    task.QuestionID,
				ResponseIndex: task.Index,
				FileName:      task.Attachment.Name,
				Data:          task.Attachment.Data,
			})
			if err != nil {
				logger.Warn("attachment upload failed",
					zap.String("upload_id", task.UploadID),
					zap.Error(err))
				results[i].Err = err
				return
			}
			logger.Debug("attachment uploaded",
				zap.String("upload_id", task.UploadID),
				zap.String("file_id", fileID))
			results[i].FileID = fileID
		}(i, task)
	}

	wg.Wait()
	return results
}
