package app

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/comboproxy/internal/chain"
	clierr "github.com/ggonzalez94/comboproxy/internal/errors"
	"github.com/ggonzalez94/comboproxy/internal/feerule"
	"github.com/ggonzalez94/comboproxy/internal/id"
	"github.com/ggonzalez94/comboproxy/internal/model"
)

func (s *runtimeState) newFeeCommand() *cobra.Command {
	root := &cobra.Command{Use: "fee", Short: "Administer fee rules and quote fee rates"}
	rule := &cobra.Command{Use: "rule", Short: "Register, tombstone and list fee rules"}

	var kindArg, collectionArg, tokenArg, discountArg, minArg, tokenIDArg string
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a discount rule and print its index",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := ruleSpecFromFlags(kindArg, collectionArg, tokenArg, discountArg, minArg, tokenIDArg)
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				index, receipt, err := sess.node.RegisterRule(ctx, from, spec)
				if err != nil {
					return nil, receipt, err
				}
				r, _ := sess.node.Fees.Rule(index)
				return feeRuleView(index, r.Spec()), receipt, nil
			})
		},
	}
	register.Flags().StringVar(&kindArg, "kind", "", "token-balance|native-balance|erc721|erc1155")
	register.Flags().StringVar(&collectionArg, "collection", "", "NFT collection for erc721 and erc1155 rules")
	register.Flags().StringVar(&tokenArg, "token", "", "Token for token-balance rules")
	register.Flags().StringVar(&discountArg, "discount", "", "Multiplier for qualifying accounts as a fraction, e.g. 0.05")
	register.Flags().StringVar(&minArg, "min", "", "Minimum holding in base units (default 1)")
	register.Flags().StringVar(&tokenIDArg, "token-id", "", "Token id for erc1155 rules")
	_ = register.MarkFlagRequired("kind")
	_ = register.MarkFlagRequired("discount")

	var unregisterIndex uint64
	unregister := &cobra.Command{
		Use:   "unregister",
		Short: "Tombstone a rule index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.UnregisterRule(ctx, from, unregisterIndex)
				return map[string]any{"index": unregisterIndex, "active": false}, receipt, err
			})
		},
	}
	unregister.Flags().Uint64Var(&unregisterIndex, "index", 0, "Rule index")
	_ = unregister.MarkFlagRequired("index")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active rules by index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				items := []model.FeeRule{}
				for _, slot := range sess.node.Fees.Export().Rules {
					if slot.Active && slot.Spec != nil {
						items = append(items, feeRuleView(slot.Index, *slot.Spec))
					}
				}
				return items, nil
			})
		},
	}
	rule.AddCommand(mutating(register), mutating(unregister), list)

	var accountArg, rulesArg string
	var withoutBasis bool
	rate := &cobra.Command{
		Use:   "rate",
		Short: "Quote the fee multiplier of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := id.ParseAddress(accountArg, "--account")
			if err != nil {
				return err
			}
			indexes, err := parseIndexes(rulesArg)
			if err != nil {
				return err
			}
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				v, err := sess.node.Rate(account, indexes, withoutBasis)
				if err != nil {
					return nil, err
				}
				return model.RateQuote{
					Account:      account.Hex(),
					Rules:        indexes,
					WithoutBasis: withoutBasis,
					Rate:         v.Dec(),
					RateDecimal:  id.FormatRate(v),
				}, nil
			})
		},
	}
	rate.Flags().StringVar(&accountArg, "account", "", "Account to quote")
	rate.Flags().StringVar(&rulesArg, "rules", "", "Ascending rule indexes (comma-separated)")
	rate.Flags().BoolVar(&withoutBasis, "without-basis", false, "Exclude the basis fee rate")
	_ = rate.MarkFlagRequired("account")

	var basisArg string
	setBasis := &cobra.Command{
		Use:   "set-basis",
		Short: "Change the basis fee rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := id.ParseRate(basisArg)
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.SetBasisFeeRate(ctx, from, v)
				return worldInfo(sess.node), receipt, err
			})
		},
	}
	setBasis.Flags().StringVar(&basisArg, "rate", "", "Basis fee rate as a fraction, e.g. 0.002")
	_ = setBasis.MarkFlagRequired("rate")

	var collectorArg string
	setCollector := &cobra.Command{
		Use:   "set-collector",
		Short: "Change the fee collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			collector, err := id.ParseAddress(collectorArg, "--address")
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				receipt, err := sess.node.SetFeeCollector(ctx, from, collector)
				return worldInfo(sess.node), receipt, err
			})
		},
	}
	setCollector.Flags().StringVar(&collectorArg, "address", "", "Collector address")
	_ = setCollector.MarkFlagRequired("address")

	root.AddCommand(rule, rate, mutating(setBasis), mutating(setCollector))
	return root
}

func ruleSpecFromFlags(kind, collection, token, discount, minHolding, tokenID string) (feerule.RuleSpec, error) {
	d, err := id.ParseRate(discount)
	if err != nil {
		return feerule.RuleSpec{}, err
	}
	spec := feerule.RuleSpec{Kind: strings.ToLower(strings.TrimSpace(kind)), Discount: d.Dec(), Min: minHolding, TokenID: tokenID}
	switch spec.Kind {
	case feerule.KindERC721, feerule.KindERC1155:
		if spec.Asset, err = id.ParseAddress(collection, "--collection"); err != nil {
			return feerule.RuleSpec{}, err
		}
	case feerule.KindTokenBalance:
		if spec.Asset, err = id.ParseAddress(token, "--token"); err != nil {
			return feerule.RuleSpec{}, err
		}
	case feerule.KindNativeBalance:
	default:
		return feerule.RuleSpec{}, clierr.New(clierr.CodeUsage, "--kind must be token-balance, native-balance, erc721 or erc1155")
	}
	return spec, nil
}

func feeRuleView(index uint64, spec feerule.RuleSpec) model.FeeRule {
	v := model.FeeRule{Index: index, Kind: spec.Kind, TokenID: spec.TokenID, Min: spec.Min, Discount: spec.Discount}
	if spec.Asset != (common.Address{}) {
		v.Asset = spec.Asset.Hex()
	}
	return v
}

func (s *runtimeState) newLedgerCommand() *cobra.Command {
	root := &cobra.Command{Use: "ledger", Short: "Mint test assets and read balances"}

	var accountArg, assetArg, amountArg string
	var decimals int
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint native or token balance to an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := id.ParseAddress(accountArg, "--account")
			if err != nil {
				return err
			}
			amount, err := id.ParseAmount(amountArg, decimals)
			if err != nil {
				return err
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				chainInfo, err := worldChain(sess)
				if err != nil {
					return nil, nil, err
				}
				asset, err := id.ParseAsset(assetArg, chainInfo)
				if err != nil {
					return nil, nil, err
				}
				receipt, err := sess.node.Mint(ctx, from, asset, account, amount)
				return balanceView(account, asset, chainInfo, nil, sess.node.Balance(asset, account), decimals), receipt, err
			})
		},
	}
	mint.Flags().StringVar(&accountArg, "account", "", "Recipient")
	mint.Flags().StringVar(&assetArg, "asset", "native", "native, a token address or a CAIP-19 id")
	mint.Flags().StringVar(&amountArg, "amount", "", "Amount in decimal units")
	mint.Flags().IntVar(&decimals, "decimals", 18, "Decimals used to scale --amount")
	_ = mint.MarkFlagRequired("account")
	_ = mint.MarkFlagRequired("amount")

	var nftCollection, nftAccount, nftID, nftAmount string
	var erc1155 bool
	mintNFT := &cobra.Command{
		Use:   "mint-nft",
		Short: "Mint an ERC721 token or ERC1155 balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, err := id.ParseAddress(nftCollection, "--collection")
			if err != nil {
				return err
			}
			account, err := id.ParseAddress(nftAccount, "--account")
			if err != nil {
				return err
			}
			tokenID, err := id.ParseAmount(nftID, -1)
			if err != nil {
				return err
			}
			amount := uint256.NewInt(1)
			if strings.TrimSpace(nftAmount) != "" {
				if !erc1155 {
					return clierr.New(clierr.CodeUsage, "--amount requires --erc1155")
				}
				if amount, err = id.ParseAmount(nftAmount, -1); err != nil {
					return err
				}
			}
			return s.runTx(cmd, func(ctx context.Context, sess *session, from common.Address) (any, *chain.Receipt, error) {
				chainInfo, err := worldChain(sess)
				if err != nil {
					return nil, nil, err
				}
				if erc1155 {
					receipt, err := sess.node.MintMulti(ctx, from, collection, account, tokenID, amount)
					return balanceView(account, collection, chainInfo, tokenID, sess.node.MultiBalance(collection, tokenID, account), -1), receipt, err
				}
				receipt, err := sess.node.MintNFT(ctx, from, collection, account, tokenID)
				return balanceView(account, collection, chainInfo, nil, sess.node.NFTBalance(collection, account), -1), receipt, err
			})
		},
	}
	mintNFT.Flags().StringVar(&nftCollection, "collection", "", "Collection address")
	mintNFT.Flags().StringVar(&nftAccount, "account", "", "Recipient")
	mintNFT.Flags().StringVar(&nftID, "token-id", "", "Token id")
	mintNFT.Flags().StringVar(&nftAmount, "amount", "", "ERC1155 amount (default 1)")
	mintNFT.Flags().BoolVar(&erc1155, "erc1155", false, "Mint an ERC1155 balance instead of an ERC721 token")
	_ = mintNFT.MarkFlagRequired("collection")
	_ = mintNFT.MarkFlagRequired("account")
	_ = mintNFT.MarkFlagRequired("token-id")

	var balAccount, balAsset, balStandard, balTokenID string
	var balDecimals int
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Read a balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := id.ParseAddress(balAccount, "--account")
			if err != nil {
				return err
			}
			return s.runView(cmd, func(_ context.Context, sess *session) (any, error) {
				chainInfo, err := worldChain(sess)
				if err != nil {
					return nil, err
				}
				asset, err := id.ParseAsset(balAsset, chainInfo)
				if err != nil {
					return nil, err
				}
				switch strings.ToLower(balStandard) {
				case "", "erc20":
					return balanceView(account, asset, chainInfo, nil, sess.node.Balance(asset, account), balDecimals), nil
				case "erc721":
					return balanceView(account, asset, chainInfo, nil, sess.node.NFTBalance(asset, account), -1), nil
				case "erc1155":
					tokenID, err := id.ParseAmount(balTokenID, -1)
					if err != nil {
						return nil, err
					}
					return balanceView(account, asset, chainInfo, tokenID, sess.node.MultiBalance(asset, tokenID, account), -1), nil
				default:
					return nil, clierr.New(clierr.CodeUsage, "--standard must be erc20, erc721 or erc1155")
				}
			})
		},
	}
	balance.Flags().StringVar(&balAccount, "account", "", "Holder")
	balance.Flags().StringVar(&balAsset, "asset", "native", "native, a token or collection address, or a CAIP-19 id")
	balance.Flags().StringVar(&balStandard, "standard", "erc20", "erc20|erc721|erc1155")
	balance.Flags().StringVar(&balTokenID, "token-id", "", "ERC1155 token id")
	balance.Flags().IntVar(&balDecimals, "decimals", 18, "Decimals used to format the amount")
	_ = balance.MarkFlagRequired("account")

	root.AddCommand(mutating(mint), mutating(mintNFT), balance)
	return root
}

func worldChain(sess *session) (id.Chain, error) {
	return id.ParseChain(sess.node.Chain.ChainID().String())
}

func balanceView(account, asset common.Address, chainInfo id.Chain, tokenID, amount *uint256.Int, decimals int) model.Balance {
	v := model.Balance{
		Account: account.Hex(),
		Asset:   asset.Hex(),
		AssetID: id.AssetID(asset, chainInfo),
		Amount:  amount.Dec(),
	}
	if tokenID != nil {
		v.TokenID = tokenID.Dec()
	}
	if decimals >= 0 {
		v.AmountDecimal = id.FormatDecimal(amount, decimals)
	}
	return v
}
