package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"askdoc/internal/config"
	"askdoc/internal/corpus"
	"askdoc/internal/logging"
	"askdoc/internal/models"
	"askdoc/internal/rag"
	"askdoc/internal/server"
	"askdoc/internal/version"
)

func main() {
	var (
		configPath string
		serverFlag string
		streamAsk  bool
		limit      int
		jsonOut    bool

		corpusFile string
		pdfFile    string
		pdfTitle   string
		pdfAuthor  string
		pdfYear    int
		pdfOut     string
	)

	rootCmd := &cobra.Command{
		Use:   "askdoc",
		Short: "Question answering over a small document corpus",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Embed the corpus and serve the ask API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return server.Run(cfg, logger)
		},
	}
	serveCmd.Flags().StringVar(&configPath, "config", "", "Config file path (default: ./askdoc.yaml, ~/.askdoc/askdoc.yaml)")

	askCmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question against a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamAsk {
				return askStream(serverURL(serverFlag), args[0])
			}
			return askOnce(serverURL(serverFlag), args[0])
		},
	}
	askCmd.Flags().BoolVar(&streamAsk, "stream", false, "Print answer fragments as they arrive")
	askCmd.Flags().StringVar(&serverFlag, "server", "", "Server base URL (default: $ASKDOC_SERVER_URL or http://localhost:8080)")

	corpusCmd := &cobra.Command{
		Use:   "corpus",
		Short: "Corpus operations",
	}

	corpusCheckCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a corpus file without a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := corpus.Load(corpusFile)
			if err != nil {
				return err
			}
			for _, d := range docs {
				fmt.Printf("  %s (%s, %d), %d chars\n", d.Title, d.Author, d.Year, len(d.Text))
			}
			fmt.Printf("%d documents ok\n", len(docs))
			return nil
		},
	}
	corpusCheckCmd.Flags().StringVar(&corpusFile, "file", "", "Corpus file (JSONL or JSON array)")
	_ = corpusCheckCmd.MarkFlagRequired("file")

	corpusListCmd := &cobra.Command{
		Use:   "list",
		Short: "List the documents a running server has indexed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDocuments(serverURL(serverFlag))
		},
	}
	corpusListCmd.Flags().StringVar(&serverFlag, "server", "", "Server base URL")

	corpusImportPDFCmd := &cobra.Command{
		Use:   "import-pdf",
		Short: "Extract text from a PDF into a corpus record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return importPDF(pdfFile, pdfTitle, pdfAuthor, pdfYear, pdfOut)
		},
	}
	corpusImportPDFCmd.Flags().StringVar(&pdfFile, "file", "", "PDF file to extract")
	corpusImportPDFCmd.Flags().StringVar(&pdfTitle, "title", "", "Document title")
	corpusImportPDFCmd.Flags().StringVar(&pdfAuthor, "author", "", "Document author")
	corpusImportPDFCmd.Flags().IntVar(&pdfYear, "year", 0, "Publication year")
	corpusImportPDFCmd.Flags().StringVar(&pdfOut, "out", "", "Append the record to this corpus file (default: stdout)")
	_ = corpusImportPDFCmd.MarkFlagRequired("file")
	_ = corpusImportPDFCmd.MarkFlagRequired("title")
	_ = corpusImportPDFCmd.MarkFlagRequired("author")
	_ = corpusImportPDFCmd.MarkFlagRequired("year")

	corpusCmd.AddCommand(corpusCheckCmd, corpusListCmd, corpusImportPDFCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent asks from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showHistory(serverURL(serverFlag), limit)
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to fetch")
	historyCmd.Flags().StringVar(&serverFlag, "server", "", "Server base URL")

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Dump server metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showMetrics(serverURL(serverFlag), jsonOut)
		},
	}
	metricsCmd.Flags().BoolVar(&jsonOut, "json", false, "Request JSON instead of Prometheus text")
	metricsCmd.Flags().StringVar(&serverFlag, "server", "", "Server base URL")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}

	rootCmd.AddCommand(serveCmd, askCmd, corpusCmd, historyCmd, metricsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serverURL(flag string) string {
	if flag != "" {
		return strings.TrimRight(flag, "/")
	}
	if v := os.Getenv("ASKDOC_SERVER_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:8080"
}

type askResult struct {
	ID       string `json:"id"`
	Answer   string `json:"answer"`
	Document struct {
		Title  string `json:"title"`
		Author string `json:"author"`
		Year   int    `json:"year"`
	} `json:"document"`
	Score      float64 `json:"score"`
	Model      string  `json:"model"`
	DurationMS int64   `json:"durationMs"`
}

func askOnce(base, question string) error {
	body, _ := json.Marshal(map[string]any{"question": question})
	resp, err := http.Post(base+"/v1/ask", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	var res askResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Println(res.Answer)
	fmt.Printf("\nsource: %s (%s, %d), score %.2f\n", res.Document.Title, res.Document.Author, res.Document.Year, res.Score)
	return nil
}

func askStream(base, question string) error {
	body, _ := json.Marshal(map[string]any{"question": question, "stream": true})
	resp, err := http.Post(base+"/v1/ask", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	rd := bufio.NewScanner(resp.Body)
	rd.Buffer(make([]byte, 64*1024), 1<<20)
	lastEvent := ""
	sawDone := false
	for rd.Scan() {
		line := rd.Text()
		if strings.HasPrefix(line, "event:") {
			lastEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		switch lastEvent {
		case "source":
			var src struct {
				Document struct {
					Title  string `json:"title"`
					Author string `json:"author"`
					Year   int    `json:"year"`
				} `json:"document"`
				Score float64 `json:"score"`
			}
			if err := json.Unmarshal([]byte(data), &src); err == nil {
				fmt.Fprintf(os.Stderr, "source: %s (%s, %d), score %.2f\n",
					src.Document.Title, src.Document.Author, src.Document.Year, src.Score)
			}
		case "token":
			var tok struct {
				Delta string `json:"delta"`
			}
			if err := json.Unmarshal([]byte(data), &tok); err == nil {
				fmt.Print(tok.Delta)
			}
		case "done":
			fmt.Println()
			sawDone = true
		case "error":
			var apiErr struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			}
			fmt.Println()
			if err := json.Unmarshal([]byte(data), &apiErr); err == nil {
				return fmt.Errorf("%s: %s (printed fragments are void)", apiErr.Error, apiErr.Message)
			}
			return fmt.Errorf("ask failed: %s", data)
		}
	}
	if err := rd.Err(); err != nil {
		return err
	}
	if !sawDone {
		return fmt.Errorf("stream ended without completion")
	}
	return nil
}

func listDocuments(base string) error {
	resp, err := http.Get(base + "/v1/documents")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	var out struct {
		Documents []models.DocumentInfo `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	for _, d := range out.Documents {
		fmt.Printf("  %s (%s, %d)\n", d.Title, d.Author, d.Year)
	}
	fmt.Printf("%d documents indexed\n", len(out.Documents))
	return nil
}

func importPDF(file, title, author string, year int, out string) error {
	text, err := corpus.ExtractPDFText(file)
	if err != nil {
		return fmt.Errorf("extract %s: %w", file, err)
	}
	doc := rag.Document{Title: title, Author: author, Year: year, Text: text}
	line, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	// round-trip through the loader so a bad record never reaches a corpus file
	if _, err := rag.ParseDocument(line); err != nil {
		return err
	}
	if out == "" {
		fmt.Println(string(line))
		return nil
	}
	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	fmt.Printf("appended %q (%d chars) to %s\n", title, len(text), out)
	return nil
}

func showHistory(base string, limit int) error {
	resp, err := http.Get(fmt.Sprintf("%s/v1/history?limit=%d", base, limit))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	var out struct {
		Asks []*models.Ask `json:"asks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(out.Asks) == 0 {
		fmt.Println("no asks recorded")
		return nil
	}
	for _, a := range out.Asks {
		fmt.Printf("%s  %-40q  %s (score %.2f, %dms)\n",
			a.CreatedAt.Format("2006-01-02 15:04:05"), a.Question, a.DocTitle, a.Score, a.DurationMS)
	}
	return nil
}

func showMetrics(base string, jsonOut bool) error {
	url := base + "/metrics"
	if jsonOut {
		url += "?format=json"
	}
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// serverError turns a non-200 API response into a readable error.
func serverError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
		if apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("%s", apiErr.Error)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
}
