package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gurre/fixit/aws"
	"github.com/gurre/fixit/config"
)

// Actions the identity pool's authenticated role needs for the gateway's
// DynamoDB and S3 access.
var (
	tableActions  = []string{"dynamodb:GetItem", "dynamodb:PutItem", "dynamodb:UpdateItem", "dynamodb:Query", "dynamodb:Scan"}
	objectActions = []string{"s3:PutObject", "s3:PutObjectAcl", "s3:GetObject"}
)

func newPreflightCommand(v *viper.Viper) *cobra.Command {
	var principal string
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Simulate the IAM permissions the gateway's role needs",
		Example: `
  fixit preflight --principal-arn arn:aws:iam::123456789012:role/fixit-authenticated`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			awsCfg, err := aws.LoadConfig(cmd.Context(), cfg.Region)
			if err != nil {
				return err
			}
			clients := aws.NewClients(awsCfg, aws.Endpoints{})
			return preflight(cmd.Context(), clients.IAM, cfg, principal, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&principal, "principal-arn", "", "ARN of the role or user to simulate (required)")
	_ = cmd.MarkFlagRequired("principal-arn")
	return cmd
}

type permission struct {
	Action   string
	Resource string
	Decision types.PolicyEvaluationDecisionType
}

// preflight simulates every required action and prints one line per
// decision. It fails if any action is denied.
func preflight(ctx context.Context, client aws.IAMClient, cfg *config.Config, principal string, out io.Writer) error {
	partition, account, err := parsePrincipal(principal)
	if err != nil {
		return err
	}
	tableARN := fmt.Sprintf("arn:%s:dynamodb:%s:%s:table/%s", partition, cfg.Region, account, cfg.TableName)
	tableResources := []string{tableARN}
	if cfg.EntityTypeIndex != "" {
		tableResources = append(tableResources, tableARN+"/index/"+cfg.EntityTypeIndex)
	}
	objectResources := []string{fmt.Sprintf("arn:%s:s3:::%s/*", partition, cfg.Bucket)}

	var results []permission
	for _, sim := range []struct {
		actions   []string
		resources []string
	}{
		{tableActions, tableResources},
		{objectActions, objectResources},
	} {
		got, err := simulate(ctx, client, principal, sim.actions, sim.resources)
		if err != nil {
			return err
		}
		results = append(results, got...)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tRESOURCE\tDECISION")
	denied := 0
	for _, p := range results {
		if p.Decision != types.PolicyEvaluationDecisionTypeAllowed {
			denied++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Action, p.Resource, p.Decision)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if denied > 0 {
		return fmt.Errorf("%d of %d required permissions denied for %s", denied, len(results), principal)
	}
	return nil
}

func simulate(ctx context.Context, client aws.IAMClient, principal string, actions, resources []string) ([]permission, error) {
	var results []permission
	p := iam.NewSimulatePrincipalPolicyPaginator(client, &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: awssdk.String(principal),
		ActionNames:     actions,
		ResourceArns:    resources,
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("simulate principal policy: %w", err)
		}
		for _, r := range page.EvaluationResults {
			results = append(results, permission{
				Action:   awssdk.ToString(r.EvalActionName),
				Resource: awssdk.ToString(r.EvalResourceName),
				Decision: r.EvalDecision,
			})
		}
	}
	return results, nil
}

// parsePrincipal extracts partition and account from an IAM ARN such as
// arn:aws:iam::123456789012:role/name.
func parsePrincipal(principal string) (partition, account string, err error) {
	a, err := arn.Parse(principal)
	if err != nil {
		return "", "", fmt.Errorf("invalid principal ARN %q: %w", principal, err)
	}
	if a.Service != "iam" || a.AccountID == "" || a.Resource == "" {
		return "", "", fmt.Errorf("invalid principal ARN %q: not an IAM principal", principal)
	}
	return a.Partition, a.AccountID, nil
}
