package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"knowledge-rag/internal/helper"
	"knowledge-rag/internal/loader"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/rag"
)

var (
	forceIndex   bool
	pendingLimit int
	topK         int
	filters      map[string]string
	jsonOutput   bool
	gapAnswer    models.GapAnswer
	exportKey    string

	indexCmd = &cobra.Command{
		Use:   "index [file or directory...]",
		Short: "Load local files, store them as documents and index them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIndex,
	}
	indexPendingCmd = &cobra.Command{
		Use:   "index-pending",
		Short: "Index stored documents that have not been embedded yet",
		Args:  cobra.NoArgs,
		RunE:  runIndexPending,
	}
	searchCmd = &cobra.Command{
		Use:   "search [query]",
		Short: "Run retrieval without generating an answer",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	queryCmd = &cobra.Command{
		Use:     "query [question]",
		Aliases: []string{"ask"},
		Short:   "Answer a question from the tenant's documents with citations",
		Args:    cobra.MinimumNArgs(1),
		RunE:    runQuery,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [doc-id...]",
		Short: "Delete documents and their vectors",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDelete,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show document and vector counts for the tenant",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	answerGapCmd = &cobra.Command{
		Use:   "answer-gap",
		Short: "Store an answer to a knowledge gap question and make it searchable",
		Args:  cobra.NoArgs,
		RunE:  runAnswerGap,
	}
	exportCmd = &cobra.Command{
		Use:   "export [file]",
		Short: "Write the tenant's vectors to a file (chromem backend)",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	importCmd = &cobra.Command{
		Use:   "import [file]",
		Short: "Replace the tenant's vectors with those from an export file (chromem backend)",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
)

func init() {
	indexCmd.Flags().BoolVar(&forceIndex, "force", false, "re-embed documents that are already indexed")
	indexPendingCmd.Flags().IntVar(&pendingLimit, "limit", 100, "maximum number of documents to index")

	for _, c := range []*cobra.Command{searchCmd, queryCmd} {
		c.Flags().IntVarP(&topK, "top-k", "k", 0, "number of sources (defaults to retrieval.top_k)")
		c.Flags().StringToStringVar(&filters, "filter", nil, "metadata filter as key=value")
		c.Flags().BoolVar(&jsonOutput, "json", false, "print the full response as JSON")
	}

	answerGapCmd.Flags().StringVar(&gapAnswer.QuestionID, "question-id", "", "id of the unanswered question (generated when empty)")
	answerGapCmd.Flags().StringVar(&gapAnswer.Question, "question", "", "question text")
	answerGapCmd.Flags().StringVar(&gapAnswer.Answer, "answer", "", "answer text")
	answerGapCmd.Flags().StringVar(&gapAnswer.AnsweredBy, "answered-by", "", "who answered")
	_ = answerGapCmd.MarkFlagRequired("question")
	_ = answerGapCmd.MarkFlagRequired("answer")

	for _, c := range []*cobra.Command{exportCmd, importCmd} {
		c.Flags().StringVar(&exportKey, "key", os.Getenv("RAG_EXPORT_KEY"), "32 byte AES-GCM key (no encryption when empty)")
	}

	rootCmd.AddCommand(indexCmd, indexPendingCmd, searchCmd, queryCmd, deleteCmd, statsCmd, answerGapCmd, exportCmd, importCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var docs []models.Document
	for _, path := range args {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			loaded, err := loader.LoadDir(path)
			if err != nil {
				return err
			}
			docs = append(docs, loaded...)
			continue
		}
		doc, err := loader.Load(path)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	log.Info().Int("documents", len(docs)).Msg("Loaded files")

	res, err := a.indexer.SaveAndIndex(cmd.Context(), tenantID, docs, forceIndex)
	helper.PrettyPrint(cmd.OutOrStdout(), res)
	return err
}

func runIndexPending(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.indexer.IndexPending(cmd.Context(), tenantID, pendingLimit)
	helper.PrettyPrint(cmd.OutOrStdout(), res)
	return err
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.engine.Search(cmd.Context(), tenantID, strings.Join(args, " "), rag.QueryOptions{TopK: topK, Filter: filters})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		helper.PrettyPrint(out, resp)
		return nil
	}
	if resp.ExpandedQuery != resp.Query {
		fmt.Fprintf(out, "Expanded: %s\n\n", resp.ExpandedQuery)
	}
	for i, r := range resp.Results {
		fmt.Fprintf(out, "%d. %.3f  %s  (%s#%d)\n", i+1, r.Score, displayTitle(r), r.DocID, r.ChunkIndex)
	}
	printWarnings(cmd, resp.Warnings)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.engine.Answer(cmd.Context(), tenantID, strings.Join(args, " "), rag.QueryOptions{TopK: topK, Filter: filters})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOutput {
		helper.PrettyPrint(out, answer)
		return nil
	}

	fmt.Fprintf(out, "%s\n\n", answer.AnswerText)
	if len(answer.Sources) > 0 {
		fmt.Fprintln(out, "Sources:")
		for i, s := range answer.Sources {
			fmt.Fprintf(out, "  [%d] %s (%s)\n", i+1, displayTitle(s), s.DocID)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "Status: %s  Confidence: %.2f\n", answer.Status, answer.Confidence)
	printWarnings(cmd, answer.Warnings)
	log.Debug().Interface("stage_timings", answer.StageTimings).Msg("Query finished")
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.indexer.DeleteDocuments(cmd.Context(), tenantID, args)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d document(s)\n", n)
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	vectors, err := a.store.Stats(ctx, tenantID)
	if err != nil {
		return err
	}
	a.metrics.TenantVectors(tenantID, vectors)
	total, embedded, err := a.docs.Counts(ctx, tenantID)
	if err != nil {
		return err
	}
	helper.PrettyPrint(cmd.OutOrStdout(), map[string]any{
		"tenant_id":       tenantID,
		"documents":       total,
		"embedded":        embedded,
		"pending":         total - embedded,
		"vectors":         vectors,
		"embedding_model": a.embedder.Model(),
		"vector_backend":  a.cfg.VectorStore.Backend,
	})
	return nil
}

func runAnswerGap(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if gapAnswer.QuestionID == "" {
		if gapAnswer.QuestionID, err = helper.GenerateUUID(); err != nil {
			return err
		}
	}
	gapAnswer.AnsweredAt = time.Now().UTC()
	doc, res, err := a.indexer.SubmitGapAnswer(cmd.Context(), tenantID, gapAnswer)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%d chunk(s))\n", doc.ID, res.Chunks)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Export(tenantID, args[0], exportKey); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported vectors of %s to %s\n", tenantID, args[0])
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.Import(cmd.Context(), tenantID, args[0], exportKey)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d vector(s) for %s\n", n, tenantID)
	return nil
}

func displayTitle(r models.SearchResult) string {
	if t := r.Title(); t != "" {
		return t
	}
	return r.DocID
}

func printWarnings(cmd *cobra.Command, warnings []string) {
	for _, w := range warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
}
