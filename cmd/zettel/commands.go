package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/zettel/internal/api"
	"github.com/kalambet/zettel/internal/config"
	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/session"
	"github.com/kalambet/zettel/internal/storage"
)

// --- note ---

var noteCmd = &cobra.Command{
	Use:   "note [text...]",
	Short: "Queue a text, image, or PDF note",
	Example: `  zettel note "call the bank about the mortgage"
  zettel note --image whiteboard.png --caption "sprint plan"
  zettel note --pdf invoice.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		imagePath, _ := cmd.Flags().GetString("image")
		pdfPath, _ := cmd.Flags().GetString("pdf")
		caption, _ := cmd.Flags().GetString("caption")

		if text == "" {
			text = strings.Join(args, " ")
		}
		req, err := buildNoteRequest(text, imagePath, pdfPath, caption)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), client.sessionPath("/notes"), req)
		if err != nil {
			return err
		}
		var out api.NoteResponse
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		notify(toneOK, "Queued note %d in %s", out.Seq, out.Partition.Label())
		if out.Question != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", paint(ansiYellow, "?"), out.Question)
			fmt.Fprintf(cmd.OutOrStdout(), "  answer with: zettel answer %s <text>\n", out.ReplyTarget)
		}
		return nil
	},
}

func buildNoteRequest(text, imagePath, pdfPath, caption string) (api.NoteRequest, error) {
	sources := 0
	for _, s := range []string{text, imagePath, pdfPath} {
		if s != "" {
			sources++
		}
	}
	switch {
	case sources == 0:
		return api.NoteRequest{}, errors.New("note text, --image, or --pdf is required")
	case sources > 1:
		if text != "" {
			return api.NoteRequest{}, errors.New("use --caption to describe an attachment")
		}
		return api.NoteRequest{}, errors.New("only one of --image or --pdf may be given")
	}

	attachment := func(path string) (*api.AttachmentRequest, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading attachment: %w", err)
		}
		return &api.AttachmentRequest{
			MediaType: http.DetectContentType(data),
			DataB64:   base64.StdEncoding.EncodeToString(data),
		}, nil
	}

	req := api.NoteRequest{Text: text, Caption: caption}
	var err error
	switch {
	case imagePath != "":
		req.Image, err = attachment(imagePath)
	case pdfPath != "":
		req.Document, err = attachment(pdfPath)
		if req.Document != nil {
			req.Document.MediaType = "application/pdf"
		}
	}
	return req, err
}

func init() {
	noteCmd.Flags().String("text", "", "note text")
	noteCmd.Flags().String("image", "", "path of an image to attach")
	noteCmd.Flags().String("pdf", "", "path of a PDF document to attach")
	noteCmd.Flags().String("caption", "", "caption for an attachment")
}

// --- answer ---

var answerCmd = &cobra.Command{
	Use:   "answer <reply-target> <text...>",
	Short: "Answer a clarification question",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body := api.AnswerRequest{ReplyTarget: args[0], Text: strings.Join(args[1:], " ")}
		resp, err := client.post(cmd.Context(), client.sessionPath("/answers"), body)
		if err != nil {
			return err
		}
		var out struct {
			Seq int64 `json:"seq"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		notify(toneOK, "Answer attached to note %d", out.Seq)
		return nil
	},
}

// --- mode ---

var modeCmd = &cobra.Command{
	Use:       "mode [work|personal]",
	Short:     "Show or switch the partition new notes go to",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(note.Work), string(note.Personal)},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var out struct {
			Mode note.Partition `json:"mode"`
		}
		if len(args) == 0 {
			resp, err := client.get(cmd.Context(), client.sessionPath("/mode"))
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Mode.Label())
			return nil
		}

		p, err := note.ParsePartition(args[0])
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), client.sessionPath("/mode"), map[string]note.Partition{"mode": p})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		notify(toneOK, "Mode set to %s", out.Mode.Label())
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queue and outstanding questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), client.sessionPath("/status"))
		if err != nil {
			return err
		}
		var st session.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		field("User", "%s", client.user)
		field("Mode", "%s", st.Mode.Label())
		field("Queued", "%d", st.Queued)
		field("Awaiting answer", "%d", st.Pending)
		field("Answered", "%d", st.Answered)
		if st.RunInProgress {
			field("Run", "in progress (%s)", plural(st.InFlight, "note"))
		}
		for _, q := range st.Questions {
			writeQuestion(cmd.OutOrStdout(), q.ReplyTarget, q.Question)
		}
		return nil
	},
}

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Structure the queued notes and publish them to the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		notify(toneStep, "Processing queue...")
		resp, err := client.post(cmd.Context(), client.sessionPath("/process"), nil)
		if err != nil {
			return err
		}
		var res session.RunResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printRunResult(cmd, res)
		return nil
	},
}

func printRunResult(cmd *cobra.Command, res session.RunResult) {
	out := cmd.OutOrStdout()
	for _, d := range res.Documents {
		writeDocument(out, d)
	}
	for _, w := range res.Warnings {
		notify(toneWarn, "%s: %s", w.Kind, w.Message)
	}
	notify(toneOK, "Published %s from %s in commit %s",
		plural(len(res.Documents), "document"), plural(res.ItemsConsumed, "note"), shortRef(res.CommitRef))
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard the queued notes and their questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			notify(toneWarn, "This will discard every queued note. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), client.sessionPath("/queue"))
		if err != nil {
			return err
		}
		var res session.ClearResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		notify(toneOK, "Removed %s and %s", plural(res.RemovedItems, "note"), plural(res.RemovedQuestions, "question"))
		if res.RunInProgress {
			notify(toneWarn, "A run is in progress; the notes it claimed were not cleared")
		}
		return nil
	},
}

func init() {
	clearCmd.Flags().Bool("confirm", false, "confirm discarding the queue")
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent processing runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("%s?limit=%d", client.sessionPath("/runs"), limit))
		if err != nil {
			return err
		}
		var runs []storage.Run
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs yet.")
			return nil
		}

		out := cmd.OutOrStdout()
		for _, r := range runs {
			fmt.Fprintf(out, "%s  %s  %s -> %s",
				r.StartedAt.Local().Format("2006-01-02 15:04"), runState(r.Status),
				plural(r.ItemCount, "note"), plural(r.DocumentCount, "doc"))
			if r.CommitRef != "" {
				fmt.Fprintf(out, "  %s", shortRef(r.CommitRef))
			}
			if r.Error != "" {
				fmt.Fprintf(out, "  %s", paint(ansiRed, r.Error))
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func init() {
	runsCmd.Flags().Int("limit", 20, "maximum number of runs to show")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", paint(ansiBold, k.Key), k.Value, paint(ansiDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		notify(toneOK, "Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
